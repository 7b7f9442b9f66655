package rotation

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/paygrid/trustplane/internal/audit"
	"github.com/paygrid/trustplane/internal/cache"
	"github.com/paygrid/trustplane/internal/config"
	"github.com/paygrid/trustplane/internal/credential"
	"github.com/paygrid/trustplane/internal/metrics"
	"github.com/paygrid/trustplane/internal/vault"
)

var (
	// ErrActiveRotationExists rejects a second rotation for a client whose
	// previous one has not reached a terminal state.
	ErrActiveRotationExists = errors.New("rotation: client already has an active rotation")
	// ErrRotationNotFound is returned for an unknown rotation id.
	ErrRotationNotFound = errors.New("rotation: not found")
	// ErrNotReady signals that a transition's evidence conditions do not hold
	// yet; the reconciler retries on its next sweep.
	ErrNotReady = errors.New("rotation: transition conditions not met")
	// ErrTerminal rejects operations on a finished rotation.
	ErrTerminal = errors.New("rotation: already in a terminal state")
	// ErrReasonRequired rejects a cancellation without an operator reason.
	ErrReasonRequired = errors.New("rotation: cancellation reason required")
	// ErrInvalidTransition rejects an operation called out of sequence.
	ErrInvalidTransition = errors.New("rotation: operation not valid in current state")
)

// CredentialInvalidator drops a client's cached credential metadata so the
// next authentication sees the store's current version set.
type CredentialInvalidator interface {
	Invalidate(clientID string)
}

// HistorySink receives every record transition for durable history.
// *audit.Store satisfies it; nil disables history.
type HistorySink interface {
	UpsertRotation(ctx context.Context, r audit.RotationRow) error
}

// Controller owns the rotation lifecycle for every client. All credential
// writes in the system go through it.
type Controller struct {
	store    vault.Store
	tokens   cache.TokenCache
	resolver CredentialInvalidator
	emitter  audit.Emitter
	history  HistorySink
	metrics  *metrics.Metrics
	clock    clockwork.Clock
	cfg      config.RotationConfig
	logger   *slog.Logger

	mu      sync.Mutex
	records map[string]*Record // by rotation id
	active  map[string]string  // clientID -> rotation id of the non-terminal rotation
	clients map[string]*sync.Mutex
}

// NewController wires the rotation controller. resolver, emitter, history and
// m may be nil.
func NewController(store vault.Store, tokens cache.TokenCache, resolver CredentialInvalidator,
	emitter audit.Emitter, history HistorySink, m *metrics.Metrics,
	cfg config.RotationConfig, clock clockwork.Clock, logger *slog.Logger) *Controller {
	if emitter == nil {
		emitter = audit.Nop{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:    store,
		tokens:   tokens,
		resolver: resolver,
		emitter:  emitter,
		history:  history,
		metrics:  m,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.With("component", "rotation"),
		records:  make(map[string]*Record),
		active:   make(map[string]string),
		clients:  make(map[string]*sync.Mutex),
	}
}

// advance applies a state transition (plus any extra field writes) to rec
// under c.mu. The caller holds the client lock, which serializes transitions
// for the record; c.mu orders the writes against the Clone snapshots taken by
// Get, ByClient and Recover, so a reader never observes a half-applied
// transition.
func (c *Controller) advance(rec *Record, next State, extra func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := rec.transition(next, c.clock.Now()); err != nil {
		return err
	}
	if extra != nil {
		extra()
	}
	return nil
}

// clientLock returns the mutex serializing all rotation work for one client.
func (c *Controller) clientLock(clientID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lk, ok := c.clients[clientID]
	if !ok {
		lk = &sync.Mutex{}
		c.clients[clientID] = lk
	}
	return lk
}

func (c *Controller) transitionWindow(requested time.Duration) time.Duration {
	if requested > 0 {
		return requested
	}
	return time.Duration(c.cfg.DefaultTransitionSeconds) * time.Second
}

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Initiate starts a rotation for clientID. The new credential version is
// written to the store but left disabled, so it cannot authenticate until
// Promote. The plaintext secret is returned exactly once, for delivery to the
// vendor; only its bcrypt hash is persisted.
//
// With force, a stuck non-terminal rotation is marked FAILED and superseded
// instead of blocking.
func (c *Controller) Initiate(ctx context.Context, clientID, reason string, window time.Duration, force bool) (*Record, string, error) {
	lk := c.clientLock(clientID)
	lk.Lock()
	defer lk.Unlock()

	c.mu.Lock()
	priorID, hasActive := c.active[clientID]
	var prior *Record
	if hasActive {
		prior = c.records[priorID]
	}
	c.mu.Unlock()

	rotationID := uuid.NewString()
	if hasActive {
		if !force {
			return nil, "", fmt.Errorf("%w: %s", ErrActiveRotationExists, priorID)
		}
		if err := c.supersede(ctx, prior, rotationID); err != nil {
			return nil, "", err
		}
	}

	credPath := vault.CredentialPath(clientID)
	current, err := c.store.ReadSecret(ctx, credPath)
	if err != nil {
		return nil, "", fmt.Errorf("read current credential: %w", err)
	}
	role, _ := current.Data["role"].(string)
	if role == "" {
		role = credential.RoleMerchant
	}

	secret, err := newSecret()
	if err != nil {
		return nil, "", err
	}
	hash, err := credential.HashSecret(secret)
	if err != nil {
		return nil, "", fmt.Errorf("hash secret: %w", err)
	}

	newVersion, err := c.store.WriteSecret(ctx, credPath, credential.Document(hash, role))
	if err != nil {
		return nil, "", fmt.Errorf("write new credential version: %w", err)
	}
	// Written but dormant: the version must not authenticate before Promote.
	if err := c.store.SetVersionState(ctx, credPath, newVersion, false); err != nil {
		return nil, "", fmt.Errorf("disable pending version: %w", err)
	}

	rec := &Record{
		RotationID:       rotationID,
		ClientID:         clientID,
		State:            StateInitiated,
		OldVersion:       current.Version,
		NewVersion:       newVersion,
		StartedAt:        c.clock.Now(),
		TransitionWindow: c.transitionWindow(window),
		Reason:           reason,
		Forced:           force,
	}

	c.mu.Lock()
	c.records[rotationID] = rec
	c.active[clientID] = rotationID
	c.mu.Unlock()

	c.persist(ctx, rec)
	c.observe(rec)
	c.emitter.Emit(ctx, audit.RotationStarted, clientID, "", map[string]any{
		"rotation_id": rotationID,
		"old_version": rec.OldVersion,
		"new_version": rec.NewVersion,
		"reason":      reason,
		"forced":      force,
	})
	c.logger.Info("rotation initiated",
		"rotation_id", rotationID, "client_id", clientID,
		"old_version", rec.OldVersion, "new_version", rec.NewVersion)
	return rec.Clone(), secret, nil
}

// supersede fails a stuck rotation so a forced one can take its place. The
// stuck rotation's pending version is withdrawn; the credential the clients
// are actually using is left untouched.
func (c *Controller) supersede(ctx context.Context, prior *Record, byID string) error {
	if prior == nil {
		return nil
	}
	credPath := vault.CredentialPath(prior.ClientID)
	if prior.State == StateInitiated || prior.State == StateDualActive {
		if err := c.store.SetVersionState(ctx, credPath, prior.NewVersion, false); err != nil && !errors.Is(err, vault.ErrNotFound) {
			return fmt.Errorf("withdraw superseded version: %w", err)
		}
		if err := c.store.DestroyVersion(ctx, credPath, prior.NewVersion); err != nil && !errors.Is(err, vault.ErrNotFound) {
			return fmt.Errorf("destroy superseded version: %w", err)
		}
	}

	err := c.advance(prior, StateFailed, func() {
		prior.Message = "superseded by forced rotation"
		prior.SupersededBy = byID
		delete(c.active, prior.ClientID)
	})
	if err != nil {
		return err
	}

	c.invalidateCredential(ctx, prior.ClientID)
	c.persist(ctx, prior)
	c.observe(prior)
	c.emitter.Emit(ctx, audit.RotationFailed, prior.ClientID, "", map[string]any{
		"rotation_id":   prior.RotationID,
		"superseded_by": byID,
	})
	c.logger.Warn("rotation superseded",
		"rotation_id", prior.RotationID, "client_id", prior.ClientID, "superseded_by", byID)
	return nil
}

// Promote enables the pending version, entering DUAL_ACTIVE: both the old and
// the new secret now authenticate.
func (c *Controller) Promote(ctx context.Context, rotationID string) (*Record, error) {
	rec, unlock, err := c.checkout(rotationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if rec.State.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, rec.State)
	}
	if rec.State != StateInitiated {
		return nil, fmt.Errorf("%w: promote from %s", ErrInvalidTransition, rec.State)
	}

	hold := time.Duration(c.cfg.PromoteHoldSeconds) * time.Second
	if hold > 0 && c.clock.Now().Before(rec.StartedAt.Add(hold)) {
		return nil, ErrNotReady
	}

	credPath := vault.CredentialPath(rec.ClientID)
	if err := c.store.SetVersionState(ctx, credPath, rec.NewVersion, true); err != nil {
		return nil, fmt.Errorf("enable new version: %w", err)
	}
	if err := c.advance(rec, StateDualActive, nil); err != nil {
		return nil, err
	}

	c.invalidateCredential(ctx, rec.ClientID)
	c.persist(ctx, rec)
	c.observe(rec)
	c.emitter.Emit(ctx, audit.RotationPromoted, rec.ClientID, "", map[string]any{
		"rotation_id": rotationID,
		"new_version": rec.NewVersion,
	})
	c.logger.Info("rotation promoted", "rotation_id", rotationID, "client_id", rec.ClientID)
	return rec.Clone(), nil
}

// Retire disables the old version once the transition window has elapsed and
// no old-version token is still young (more than half its lifetime left). The
// version stays on the books, disabled, until Complete destroys it.
func (c *Controller) Retire(ctx context.Context, rotationID string) (*Record, error) {
	rec, unlock, err := c.checkout(rotationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if rec.State.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, rec.State)
	}
	if rec.State != StateDualActive {
		return nil, fmt.Errorf("%w: retire from %s", ErrInvalidTransition, rec.State)
	}

	now := c.clock.Now()
	if now.Before(rec.PromotedAt.Add(rec.TransitionWindow)) {
		return nil, ErrNotReady
	}
	young, err := c.youngTokens(ctx, rec.ClientID, rec.OldVersion)
	if err != nil {
		return nil, fmt.Errorf("inspect old-version tokens: %w", err)
	}
	if young > 0 {
		c.logger.Info("retire deferred, old-version tokens still fresh",
			"rotation_id", rotationID, "tokens", young)
		return nil, ErrNotReady
	}

	credPath := vault.CredentialPath(rec.ClientID)
	if err := c.store.SetVersionState(ctx, credPath, rec.OldVersion, false); err != nil {
		return nil, fmt.Errorf("disable old version: %w", err)
	}
	if err := c.advance(rec, StateOldDeprecated, nil); err != nil {
		return nil, err
	}

	c.invalidateCredential(ctx, rec.ClientID)
	c.persist(ctx, rec)
	c.observe(rec)
	c.emitter.Emit(ctx, audit.RotationRetired, rec.ClientID, "", map[string]any{
		"rotation_id": rotationID,
		"old_version": rec.OldVersion,
	})
	c.logger.Info("rotation retired old version",
		"rotation_id", rotationID, "client_id", rec.ClientID, "old_version", rec.OldVersion)
	return rec.Clone(), nil
}

// youngTokens counts live old-version tokens that have consumed less than
// half their lifetime.
func (c *Controller) youngTokens(ctx context.Context, clientID string, version int) (int, error) {
	if c.tokens == nil {
		return 0, nil
	}
	toks, err := c.tokens.TokensByVersion(ctx, clientID, version)
	if err != nil {
		return 0, err
	}
	now := c.clock.Now()
	young := 0
	for _, t := range toks {
		lifetime := t.ExpiresAt.Sub(t.IssuedAt)
		remaining := t.ExpiresAt.Sub(now)
		if remaining*2 > lifetime {
			young++
		}
	}
	return young, nil
}

// Complete destroys the retired version and sweeps the client's cached
// tokens, entering NEW_ACTIVE. Calling Complete on an already-completed
// rotation is a no-op returning the record.
func (c *Controller) Complete(ctx context.Context, rotationID string) (*Record, error) {
	rec, unlock, err := c.checkout(rotationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if rec.State == StateNewActive {
		return rec.Clone(), nil
	}
	if rec.State == StateFailed {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, rec.State)
	}
	if rec.State != StateOldDeprecated {
		return nil, fmt.Errorf("%w: complete from %s", ErrInvalidTransition, rec.State)
	}

	if c.tokens != nil {
		outstanding, err := c.tokens.TokensByVersion(ctx, rec.ClientID, rec.OldVersion)
		if err != nil {
			return nil, fmt.Errorf("inspect old-version tokens: %w", err)
		}
		if len(outstanding) > 0 {
			return nil, ErrNotReady
		}
	}

	credPath := vault.CredentialPath(rec.ClientID)
	if err := c.store.DestroyVersion(ctx, credPath, rec.OldVersion); err != nil && !errors.Is(err, vault.ErrNotFound) {
		return nil, fmt.Errorf("destroy old version: %w", err)
	}
	err = c.advance(rec, StateNewActive, func() {
		delete(c.active, rec.ClientID)
	})
	if err != nil {
		return nil, err
	}

	if c.tokens != nil {
		dropped, err := c.tokens.InvalidateByClient(ctx, rec.ClientID)
		if err != nil {
			c.logger.Warn("token sweep failed after completion",
				"rotation_id", rotationID, "error", err)
		} else if c.metrics != nil {
			c.metrics.CacheInvalidations.WithLabelValues("rotation").Add(float64(dropped))
		}
	}
	c.invalidateCredential(ctx, rec.ClientID)

	c.persist(ctx, rec)
	c.observe(rec)
	c.emitter.Emit(ctx, audit.RotationCompleted, rec.ClientID, "", map[string]any{
		"rotation_id": rotationID,
		"new_version": rec.NewVersion,
	})
	c.logger.Info("rotation completed", "rotation_id", rotationID, "client_id", rec.ClientID)
	return rec.Clone(), nil
}

// Cancel aborts a non-terminal rotation. The pending version is withdrawn and
// destroyed; tokens already minted stay valid until they expire naturally.
func (c *Controller) Cancel(ctx context.Context, rotationID, reason string) (*Record, error) {
	if reason == "" {
		return nil, ErrReasonRequired
	}
	rec, unlock, err := c.checkout(rotationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if rec.State.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, rec.State)
	}

	credPath := vault.CredentialPath(rec.ClientID)
	// Put the old version back in service before withdrawing the new one, so
	// the client is never left without an authenticating secret.
	if rec.State == StateOldDeprecated {
		if err := c.store.SetVersionState(ctx, credPath, rec.OldVersion, true); err != nil {
			return nil, fmt.Errorf("re-enable old version: %w", err)
		}
	}
	if err := c.store.SetVersionState(ctx, credPath, rec.NewVersion, false); err != nil && !errors.Is(err, vault.ErrNotFound) {
		return nil, fmt.Errorf("withdraw pending version: %w", err)
	}
	if err := c.store.DestroyVersion(ctx, credPath, rec.NewVersion); err != nil && !errors.Is(err, vault.ErrNotFound) {
		return nil, fmt.Errorf("destroy pending version: %w", err)
	}

	err = c.advance(rec, StateFailed, func() {
		rec.Message = "cancelled: " + reason
		delete(c.active, rec.ClientID)
	})
	if err != nil {
		return nil, err
	}

	c.invalidateCredential(ctx, rec.ClientID)
	c.persist(ctx, rec)
	c.observe(rec)
	c.emitter.Emit(ctx, audit.RotationCancelled, rec.ClientID, "", map[string]any{
		"rotation_id": rotationID,
		"reason":      reason,
	})
	c.logger.Info("rotation cancelled", "rotation_id", rotationID, "client_id", rec.ClientID, "reason", reason)
	return rec.Clone(), nil
}

// fail force-moves a rotation to FAILED. Used by the reconciler watchdog.
func (c *Controller) fail(ctx context.Context, rotationID, message string) {
	rec, unlock, err := c.checkout(rotationID)
	if err != nil {
		return
	}
	defer unlock()
	if rec.State.IsTerminal() {
		return
	}
	err = c.advance(rec, StateFailed, func() {
		rec.Message = message
		delete(c.active, rec.ClientID)
	})
	if err != nil {
		return
	}

	c.persist(ctx, rec)
	c.observe(rec)
	c.emitter.Emit(ctx, audit.RotationFailed, rec.ClientID, "", map[string]any{
		"rotation_id": rotationID,
		"message":     message,
	})
	c.logger.Error("rotation failed", "rotation_id", rotationID, "client_id", rec.ClientID, "message", message)
}

// checkout looks the record up and takes its client lock.
func (c *Controller) checkout(rotationID string) (*Record, func(), error) {
	c.mu.Lock()
	rec, ok := c.records[rotationID]
	c.mu.Unlock()
	if !ok {
		return nil, nil, ErrRotationNotFound
	}
	lk := c.clientLock(rec.ClientID)
	lk.Lock()
	return rec, lk.Unlock, nil
}

// Get returns a snapshot of one rotation.
func (c *Controller) Get(rotationID string) (*Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[rotationID]
	if !ok {
		return nil, ErrRotationNotFound
	}
	return rec.Clone(), nil
}

// ByClient returns every rotation known for clientID, newest first.
func (c *Controller) ByClient(clientID string) []*Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Record
	for _, rec := range c.records {
		if rec.ClientID == clientID {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Recover reloads in-flight rotation records from the secret store after a
// restart. Terminal records are loaded for history queries but not resumed.
func (c *Controller) Recover(ctx context.Context) error {
	clients, err := c.store.List(ctx, vault.CredentialListPrefix())
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("list clients: %w", err)
	}

	recovered := 0
	for _, key := range clients {
		// LIST returns subtree keys with a trailing slash.
		clientID := strings.TrimSuffix(key, "/")
		doc, err := c.store.ReadSecret(ctx, vault.RotationStatePath(clientID))
		if err != nil {
			if errors.Is(err, vault.ErrNotFound) {
				continue
			}
			return fmt.Errorf("read rotation record for %s: %w", clientID, err)
		}
		rec, err := RecordFromDocument(doc.Data)
		if err != nil {
			c.logger.Warn("skipping unreadable rotation record", "client_id", clientID, "error", err)
			continue
		}
		c.mu.Lock()
		c.records[rec.RotationID] = rec
		if !rec.State.IsTerminal() {
			c.active[rec.ClientID] = rec.RotationID
			recovered++
		}
		c.mu.Unlock()
	}
	c.refreshActiveGauge()
	if recovered > 0 {
		c.logger.Info("recovered in-flight rotations", "count", recovered)
	}
	return nil
}

// persist writes the record to the secret store and the history table. Both
// are best-effort: the in-memory record is authoritative for this process.
func (c *Controller) persist(ctx context.Context, rec *Record) {
	doc, err := rec.MarshalDocument()
	if err == nil {
		if _, err = c.store.WriteSecret(ctx, vault.RotationStatePath(rec.ClientID), doc); err != nil {
			c.logger.Warn("persist rotation record failed",
				"rotation_id", rec.RotationID, "error", err)
		}
	}
	if c.history == nil {
		return
	}
	row := audit.RotationRow{
		RotationID:        rec.RotationID,
		ClientID:          rec.ClientID,
		State:             rec.State.String(),
		OldVersion:        strconv.Itoa(rec.OldVersion),
		NewVersion:        strconv.Itoa(rec.NewVersion),
		StartedAt:         rec.StartedAt,
		CompletedAt:       rec.CompletedAt,
		TransitionSeconds: int(rec.TransitionWindow / time.Second),
		Reason:            rec.Reason,
		Forced:            rec.Forced,
		Message:           rec.Message,
		SupersededBy:      rec.SupersededBy,
	}
	if err := c.history.UpsertRotation(ctx, row); err != nil {
		c.logger.Warn("rotation history write failed", "rotation_id", rec.RotationID, "error", err)
	}
}

func (c *Controller) invalidateCredential(ctx context.Context, clientID string) {
	if c.resolver != nil {
		c.resolver.Invalidate(clientID)
	}
	if c.tokens != nil {
		if err := c.tokens.InvalidateCredential(ctx, clientID); err != nil {
			c.logger.Warn("credential cache invalidation failed", "client_id", clientID, "error", err)
		}
	}
}

func (c *Controller) observe(rec *Record) {
	if c.metrics == nil {
		return
	}
	c.metrics.RotationTransitions.WithLabelValues(rec.State.String()).Inc()
	c.refreshActiveGauge()
}

func (c *Controller) refreshActiveGauge() {
	if c.metrics == nil {
		return
	}
	c.mu.Lock()
	n := len(c.active)
	c.mu.Unlock()
	c.metrics.RotationsActive.Set(float64(n))
}
