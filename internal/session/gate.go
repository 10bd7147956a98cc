package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/envelopes/internal/snapshot"
	"go.uber.org/zap"
)

// DefaultGracePeriod bounds offline access after the last live authentication.
const DefaultGracePeriod = 7 * 24 * time.Hour

// ErrInvalidGateConfig indicates a Gate cannot be constructed.
var ErrInvalidGateConfig = errors.New("invalid session gate config")

// State is the persisted authentication state.
type State struct {
	Authenticated bool      `json:"isAuthenticated"`
	UserID        string    `json:"userId,omitempty"`
	LastAuthTime  time.Time `json:"lastAuthTime"`
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Authenticated bool
	UserID        string
	// Grace is set when access comes from the offline grace period rather than a live session.
	Grace bool
}

// StateStore persists State between runs.
type StateStore interface {
	Load() (State, error)
	Save(state State) error
}

// EffectiveAuthentication reports whether a caller is authenticated: a live remote signal
// always is, otherwise a previously authenticated state is honored only while offline and
// strictly within the grace period.
func EffectiveAuthentication(signalPresent bool, online bool, previous State, now time.Time, gracePeriod time.Duration) bool {
	if signalPresent {
		return true
	}
	if online || !previous.Authenticated || previous.LastAuthTime.IsZero() {
		return false
	}
	return now.Sub(previous.LastAuthTime) < gracePeriod
}

// GateConfig wires a Gate.
type GateConfig struct {
	GracePeriod time.Duration
	Store       StateStore
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Gate combines the live authentication signal with the cached last success.
type Gate struct {
	mu          sync.Mutex
	gracePeriod time.Duration
	store       StateStore
	clock       func() time.Time
	logger      *zap.Logger
	state       State
}

// NewGate loads the persisted state. A missing store keeps the state in memory only.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.GracePeriod < 0 {
		return nil, fmt.Errorf("%w: grace period must not be negative", ErrInvalidGateConfig)
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	gate := &Gate{
		gracePeriod: cfg.GracePeriod,
		store:       cfg.Store,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}
	if cfg.Store != nil {
		state, err := cfg.Store.Load()
		if err != nil {
			return nil, fmt.Errorf("load session state: %w", err)
		}
		gate.state = state
	}
	return gate, nil
}

// Evaluate applies the current remote signal. userID is empty when no remote user is
// signed in. A live signal refreshes LastAuthTime; a denied evaluation clears the
// authenticated flag but keeps LastAuthTime.
func (gate *Gate) Evaluate(userID string, online bool) Decision {
	userID = strings.TrimSpace(userID)
	now := gate.clock()

	gate.mu.Lock()
	previous := gate.state
	granted := EffectiveAuthentication(userID != "", online, previous, now, gate.gracePeriod)
	var decision Decision
	switch {
	case userID != "":
		gate.state = State{Authenticated: true, UserID: userID, LastAuthTime: now}
		decision = Decision{Authenticated: true, UserID: userID}
	case granted:
		decision = Decision{Authenticated: true, UserID: previous.UserID, Grace: true}
	default:
		gate.state = State{LastAuthTime: previous.LastAuthTime}
		decision = Decision{}
	}
	current := gate.state
	gate.mu.Unlock()

	if current != previous {
		gate.persist(current)
	}
	if decision.Grace {
		gate.logger.Debug("offline grace period access", zap.String("user_id", decision.UserID))
	}
	return decision
}

// Current returns the cached state.
func (gate *Gate) Current() State {
	gate.mu.Lock()
	defer gate.mu.Unlock()
	return gate.state
}

// GracePeriod returns the configured offline window.
func (gate *Gate) GracePeriod() time.Duration {
	return gate.gracePeriod
}

// SignOut forgets the cached authentication entirely.
func (gate *Gate) SignOut() {
	gate.mu.Lock()
	gate.state = State{}
	gate.mu.Unlock()
	gate.persist(State{})
}

func (gate *Gate) persist(state State) {
	if gate.store == nil {
		return
	}
	if err := gate.store.Save(state); err != nil {
		gate.logger.Warn("persist session state failed", zap.Error(err))
	}
}

// FileStateStore keeps State as a JSON file.
type FileStateStore struct {
	path string
}

// NewFileStateStore returns a store at path.
func NewFileStateStore(path string) *FileStateStore {
	return &FileStateStore{path: path}
}

// Load returns the zero State when the file does not exist yet.
func (store *FileStateStore) Load() (State, error) {
	data, err := os.ReadFile(store.path)
	if errors.Is(err, fs.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("decode %s: %w", store.path, err)
	}
	return state, nil
}

func (store *FileStateStore) Save(state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(store.path), 0o755); err != nil {
		return err
	}
	return snapshot.WriteFileAtomic(store.path, data, 0o600)
}
