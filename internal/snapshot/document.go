package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/envelopes/pkg/ledger"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// FormatVersion is written into every exported document.
const FormatVersion = "1.0"

const schemaLocation = "envelopes-snapshot.schema.json"

const schemaDocument = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["envelopes", "transactions"],
  "properties": {
    "envelopes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "name"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "currentBalance": {"type": ["number", "string"]},
          "isActive": {"type": "boolean"},
          "orderIndex": {"type": "integer"}
        }
      }
    },
    "transactions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "envelopeId", "amount", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "envelopeId": {"type": "string", "minLength": 1},
          "amount": {"type": ["number", "string"]},
          "type": {"type": "string"},
          "description": {"type": "string"},
          "reconciled": {"type": "boolean"},
          "transferId": {"type": ["string", "null"]}
        }
      }
    },
    "distributionTemplates": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "distributions"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "distributions": {"type": "object", "additionalProperties": {"type": ["number", "string"]}}
        }
      }
    },
    "appSettings": {"type": ["object", "null"]},
    "exportDate": {"type": "string"},
    "version": {"type": "string"},
    "owner": {"type": "string"}
  }
}`

// ErrInvalidDocument is returned for snapshot files that fail validation.
var ErrInvalidDocument = errors.New("invalid snapshot document")

// Document is the on-disk export format. Owner is only written into the local cache.
type Document struct {
	Envelopes             []ledger.Envelope             `json:"envelopes"`
	Transactions          []ledger.Transaction          `json:"transactions"`
	DistributionTemplates []ledger.DistributionTemplate `json:"distributionTemplates"`
	AppSettings           *ledger.AppSettings           `json:"appSettings,omitempty"`
	ExportDate            string                        `json:"exportDate,omitempty"`
	Version               string                        `json:"version,omitempty"`
	Owner                 string                        `json:"owner,omitempty"`
}

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func documentSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaDocument))
		if err != nil {
			compileErr = fmt.Errorf("parse snapshot schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaLocation, parsed); err != nil {
			compileErr = fmt.Errorf("add snapshot schema: %w", err)
			return
		}
		compiledSchema, compileErr = compiler.Compile(schemaLocation)
	})
	return compiledSchema, compileErr
}

// Encode renders a snapshot as an export document stamped with exportedAt.
func Encode(snapshot ledger.Snapshot, exportedAt time.Time) ([]byte, error) {
	return encodeDocument(snapshot, exportedAt, "")
}

func encodeDocument(snapshot ledger.Snapshot, exportedAt time.Time, owner string) ([]byte, error) {
	document := Document{
		Envelopes:             nonNil(snapshot.Envelopes),
		Transactions:          nonNil(snapshot.Transactions),
		DistributionTemplates: nonNil(snapshot.DistributionTemplates),
		AppSettings:           snapshot.AppSettings,
		ExportDate:            exportedAt.UTC().Format(time.RFC3339Nano),
		Version:               FormatVersion,
		Owner:                 owner,
	}
	encoded, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return append(encoded, '\n'), nil
}

// Decode validates the document shape and converts it into a snapshot. The envelopes and
// transactions arrays are required; everything else is optional.
func Decode(data []byte) (ledger.Snapshot, error) {
	document, err := decodeDocument(data)
	if err != nil {
		return ledger.Snapshot{}, err
	}
	return document.snapshot(), nil
}

func decodeDocument(data []byte) (Document, error) {
	schema, err := documentSchema()
	if err != nil {
		return Document{}, err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Document{}, fmt.Errorf("%w: malformed JSON: %v", ErrInvalidDocument, err)
	}
	if err := schema.Validate(instance); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	var document Document
	if err := json.Unmarshal(data, &document); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return document, nil
}

func (document Document) snapshot() ledger.Snapshot {
	return ledger.Snapshot{
		Envelopes:             document.Envelopes,
		Transactions:          document.Transactions,
		DistributionTemplates: document.DistributionTemplates,
		AppSettings:           document.AppSettings,
	}
}

func nonNil[T any](values []T) []T {
	if values == nil {
		return []T{}
	}
	return values
}
