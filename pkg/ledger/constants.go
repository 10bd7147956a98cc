package ledger

const (
	operationCreateEnvelope     = "create_envelope"
	operationRenameEnvelope     = "rename_envelope"
	operationDeleteEnvelope     = "delete_envelope"
	operationAddToEnvelope      = "add_to_envelope"
	operationSpendFromEnvelope  = "spend_from_envelope"
	operationTransferFunds      = "transfer_funds"
	operationUpdateTransaction  = "update_transaction"
	operationDeleteTransaction  = "delete_transaction"
	operationRestoreTransaction = "restore_transaction"
	operationSaveTemplate       = "save_template"
	operationDeleteTemplate     = "delete_template"
	operationMarkTemplateUsed   = "mark_template_used"
	operationCleanupTemplates   = "cleanup_templates"
	operationUpdateSettings     = "update_settings"
	operationReplace            = "replace"
	operationApplyRemote        = "apply_remote"
	operationReset              = "reset"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	initialBalanceDescription = "Initial balance"
	transferToPrefix          = "Transfer to "
	transferFromPrefix        = "Transfer from "

	// SettingsDocumentID names the singleton settings document.
	SettingsDocumentID = "settings"
)

// Document field names used by patch writes.
const (
	FieldName           = "name"
	FieldCurrentBalance = "currentBalance"
	FieldLastUpdated    = "lastUpdated"
	FieldLastUsed       = "lastUsed"
)
