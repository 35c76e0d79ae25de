package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"docuhub-gateway/auth/domain"
	"docuhub-gateway/auth/infra"
	"docuhub-gateway/auth/session"
	"docuhub-gateway/auth/token"
	"docuhub-gateway/config"
	"docuhub-gateway/failure"
	"docuhub-gateway/requestid"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type outcomes struct {
	mu   sync.Mutex
	seen []string
}

func (o *outcomes) ObserveRefresh(outcome string) {
	o.mu.Lock()
	o.seen = append(o.seen, outcome)
	o.mu.Unlock()
}

type memAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
	err    error
}

func (m *memAudit) Record(_ context.Context, ev domain.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *memAudit) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.Action)
	}
	return out
}

type fixture struct {
	ledger *session.Ledger
	store  *infra.MemoryStore
	codec  *token.Codec
	clock  *clock
	audit  *memAudit
	obs    *outcomes
	logs   *observer.ObservedLogs
}

func newFixture(t *testing.T, mutate func(*session.Options)) *fixture {
	t.Helper()
	clk := &clock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	codec, err := token.New(token.Options{
		Secret:       []byte("ledger-test-secret"),
		DefaultTTL:   15 * time.Minute,
		AllowedRoles: []string{"user", "admin"},
		Now:          clk.Now,
	})
	require.NoError(t, err)

	f := &fixture{
		store: infra.NewMemoryStore(),
		codec: codec,
		clock: clk,
		audit: &memAudit{},
		obs:   &outcomes{},
	}
	opts := session.Options{
		RefreshTTL:      time.Hour,
		RotationEnabled: true,
		ReuseDetection:  true,
		Now:             clk.Now,
		Observer:        f.obs,
	}
	if mutate != nil {
		mutate(&opts)
	}
	core, logs := observer.New(zapcore.DebugLevel)
	f.logs = logs
	f.ledger = session.New(f.store, codec, opts, zap.New(core), f.audit)
	return f
}

func TestIssue(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pair, err := f.ledger.Issue(ctx, "user-1", "user", "tenant-a")
	require.NoError(t, err)

	assert.Equal(t, "bearer", pair.TokenType)
	assert.Equal(t, int64(900), pair.ExpiresIn)
	assert.Equal(t, "tenant-a", pair.TenantID)
	assert.NotEmpty(t, pair.RefreshToken)

	who, err := f.codec.Verify(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", who.Subject)
	assert.Equal(t, "user", who.Role)
	assert.Equal(t, "tenant-a", who.TenantID)
	assert.Equal(t, f.clock.Now().Add(15*time.Minute).Unix(), who.ExpiresAt.Unix())

	rec, err := f.store.FindByHash(ctx, session.HashSecret(pair.RefreshToken))
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(time.Hour), rec.ExpiresAt)
	assert.Nil(t, rec.ParentTokenHash)
	assert.NotEqual(t, pair.RefreshToken, rec.TokenHash)

	assert.Equal(t, []string{domain.AuditActionIssue}, f.audit.actions())
}

func TestIssueSecretsAreUnique(t *testing.T) {
	f := newFixture(t, nil)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		pair, err := f.ledger.Issue(context.Background(), "user-1", "user", "tenant-a")
		require.NoError(t, err)
		require.False(t, seen[pair.RefreshToken])
		seen[pair.RefreshToken] = true
	}
	assert.Equal(t, 50, f.store.Len())
}

func TestRefreshRotates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.ledger.Issue(ctx, "user-1", "admin", "tenant-a")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	second, err := f.ledger.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	who, err := f.codec.Verify(second.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "admin", who.Role)

	old, err := f.store.FindByHash(ctx, session.HashSecret(first.RefreshToken))
	require.NoError(t, err)
	require.NotNil(t, old.RevokedAt)

	next, err := f.store.FindByHash(ctx, session.HashSecret(second.RefreshToken))
	require.NoError(t, err)
	require.NotNil(t, next.ParentTokenHash)
	assert.Equal(t, old.TokenHash, *next.ParentTokenHash)
	assert.Equal(t, f.clock.Now().Add(time.Hour), next.ExpiresAt)

	assert.Equal(t, []string{"rotated"}, f.obs.seen)
	assert.Equal(t, []string{domain.AuditActionIssue, domain.AuditActionRefresh}, f.audit.actions())
}

func TestRefreshWithoutRotationKeepsSecret(t *testing.T) {
	f := newFixture(t, func(o *session.Options) { o.RotationEnabled = false })
	ctx := context.Background()

	first, err := f.ledger.Issue(ctx, "user-1", "user", "tenant-a")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		next, err := f.ledger.Refresh(ctx, first.RefreshToken)
		require.NoError(t, err)
		assert.Equal(t, first.RefreshToken, next.RefreshToken)
	}
	assert.Equal(t, 1, f.store.Len())
	assert.Equal(t, []string{"reused_static", "reused_static", "reused_static"}, f.obs.seen)
}

func TestRefreshUnknown(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.ledger.Refresh(context.Background(), "never-issued")
	assert.ErrorIs(t, err, failure.ErrRefreshNotFound)
	assert.Equal(t, []string{"not_found"}, f.obs.seen)
}

func TestRefreshExpiresAtBoundary(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pair, err := f.ledger.Issue(ctx, "user-1", "user", "tenant-a")
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	_, err = f.ledger.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, failure.ErrRefreshExpired)
}

func TestRefreshExpiredWinsOverRevoked(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pair, err := f.ledger.Issue(ctx, "user-1", "user", "tenant-a")
	require.NoError(t, err)
	require.NoError(t, f.ledger.Revoke(ctx, pair.RefreshToken))

	f.clock.Advance(2 * time.Hour)
	_, err = f.ledger.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, failure.ErrRefreshExpired)
}

func TestReuseRevokesWholeFamily(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.ledger.Issue(ctx, "user-1", "user", "tenant-a")
	require.NoError(t, err)
	otherDevice, err := f.ledger.Issue(ctx, "user-1", "user", "tenant-a")
	require.NoError(t, err)
	neighbour, err := f.ledger.Issue(ctx, "user-2", "user", "tenant-a")
	require.NoError(t, err)

	second, err := f.ledger.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)

	// o segredo antigo volta: reuso.
	_, err = f.ledger.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, failure.ErrRefreshRevoked)

	_, err = f.ledger.Refresh(ctx, second.RefreshToken)
	assert.ErrorIs(t, err, failure.ErrRefreshRevoked)
	_, err = f.ledger.Refresh(ctx, otherDevice.RefreshToken)
	assert.ErrorIs(t, err, failure.ErrRefreshRevoked)

	_, err = f.ledger.Refresh(ctx, neighbour.RefreshToken)
	assert.NoError(t, err)

	warn := f.logs.FilterMessage("refresh_reuse_detected").All()
	require.NotEmpty(t, warn)
	assert.EqualValues(t, 2, warn[0].ContextMap()["revoked"])
	assert.Contains(t, f.audit.actions(), domain.AuditActionReuseDetected)
}

func TestReuseDetectionOffOnlyRejects(t *testing.T) {
	f := newFixture(t, func(o *session.Options) { o.ReuseDetection = false })
	ctx := context.Background()

	first, err := f.ledger.Issue(ctx, "user-1", "user", "tenant-a")
	require.NoError(t, err)
	second, err := f.ledger.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)

	_, err = f.ledger.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, failure.ErrRefreshRevoked)

	_, err = f.ledger.Refresh(ctx, second.RefreshToken)
	assert.NoError(t, err)
	assert.Zero(t, f.logs.FilterMessage("refresh_reuse_detected").Len())
}

func TestConcurrentRefreshHasSingleWinner(t *testing.T) {
	f := newFixture(t, func(o *session.Options) { o.ReuseDetection = false })
	ctx := context.Background()

	pair, err := f.ledger.Issue(ctx, "user-1", "user", "tenant-a")
	require.NoError(t, err)

	const callers = 16
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		other []error
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.ledger.Refresh(ctx, pair.RefreshToken)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			other = append(other, err)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, wins)
	for _, err := range other {
		assert.True(t, errors.Is(err, failure.ErrRefreshRevoked), "got %v", err)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pair, err := f.ledger.Issue(ctx, "user-1", "user", "tenant-a")
	require.NoError(t, err)

	require.NoError(t, f.ledger.Revoke(ctx, pair.RefreshToken))
	require.NoError(t, f.ledger.Revoke(ctx, pair.RefreshToken))
	assert.Equal(t, []string{domain.AuditActionIssue, domain.AuditActionRevoke}, f.audit.actions())

	assert.ErrorIs(t, f.ledger.Revoke(ctx, "unknown"), failure.ErrRefreshNotFound)
}

func TestRevokeAllCountsActiveOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.ledger.Issue(ctx, "user-1", "user", "tenant-a")
		require.NoError(t, err)
	}
	_, err := f.ledger.Issue(ctx, "user-1", "user", "tenant-b")
	require.NoError(t, err)

	n, err := f.ledger.RevokeAll(ctx, "tenant-a", "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = f.ledger.RevokeAll(ctx, "tenant-a", "user-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAuditFailureIsLoggedUnlessStrict(t *testing.T) {
	f := newFixture(t, nil)
	f.audit.err = errors.New("audit table locked")

	_, err := f.ledger.Issue(context.Background(), "user-1", "user", "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, 1, f.logs.FilterMessage("audit_write_failed").Len())

	strict := newFixture(t, func(o *session.Options) { o.StrictAudit = true })
	strict.audit.err = errors.New("audit table locked")

	_, err = strict.ledger.Issue(context.Background(), "user-1", "user", "tenant-a")
	assert.ErrorIs(t, err, failure.ErrInternal)
	assert.Zero(t, strict.store.Len(), "no refresh record without its audit event")
}

func TestStrictAuditFailureKeepsPresentedTokenUsable(t *testing.T) {
	f := newFixture(t, func(o *session.Options) { o.StrictAudit = true })
	ctx := context.Background()

	pair, err := f.ledger.Issue(ctx, "user-1", "user", "tenant-a")
	require.NoError(t, err)

	f.audit.mu.Lock()
	f.audit.err = errors.New("audit down")
	f.audit.mu.Unlock()

	_, err = f.ledger.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, failure.ErrInternal)
	assert.Equal(t, 1, f.store.Len())

	rec, err := f.store.FindByHash(ctx, session.HashSecret(pair.RefreshToken))
	require.NoError(t, err)
	assert.Nil(t, rec.RevokedAt)

	f.audit.mu.Lock()
	f.audit.err = nil
	f.audit.mu.Unlock()

	next, err := f.ledger.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)
	assert.Equal(t, 2, f.store.Len())
	assert.Zero(t, f.logs.FilterMessage("refresh_reuse_detected").Len())
}

func TestAuditCarriesRequestID(t *testing.T) {
	f := newFixture(t, nil)
	ctx := requestid.WithValue(context.Background(), "req-42")

	_, err := f.ledger.Issue(ctx, "user-1", "user", "tenant-a")
	require.NoError(t, err)

	f.audit.mu.Lock()
	defer f.audit.mu.Unlock()
	require.Len(t, f.audit.events, 1)
	assert.Equal(t, "req-42", f.audit.events[0].RequestID)
}

// newSQLLedger monta um ledger sobre SQLStore em sqlite, onde o vencedor da
// rotação é decidido pelo UPDATE condicional.
func newSQLLedger(t *testing.T, reuseDetection bool) (*session.Ledger, *sqlx.DB, *outcomes) {
	t.Helper()
	ctx := context.Background()
	db, err := infra.OpenDB(ctx, config.DatabaseConfig{Driver: config.DriverSQLite, DSN: ":memory:", MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, infra.Migrate(ctx, db.DB, config.DriverSQLite))

	codec, err := token.New(token.Options{Secret: []byte("ledger-test-secret"), AllowedRoles: []string{"user"}})
	require.NoError(t, err)
	obs := &outcomes{}
	ledger := session.New(infra.NewSQLStore(db), codec, session.Options{
		RefreshTTL:      time.Hour,
		RotationEnabled: true,
		ReuseDetection:  reuseDetection,
		Observer:        obs,
	}, nil, infra.NewSQLAuditRecorder(db))
	return ledger, db, obs
}

func raceRefresh(t *testing.T, ledger *session.Ledger, presented string, callers int) (wins []domain.TokenPair, errs []error) {
	t.Helper()
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			pair, err := ledger.Refresh(context.Background(), presented)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins = append(wins, pair)
				return
			}
			errs = append(errs, err)
		}()
	}
	close(start)
	wg.Wait()
	return wins, errs
}

func TestSQLConcurrentRefreshHasSingleWinner(t *testing.T) {
	ledger, db, _ := newSQLLedger(t, false)
	ctx := context.Background()

	pair, err := ledger.Issue(ctx, "user-1", "user", "tenant-a")
	require.NoError(t, err)

	wins, errs := raceRefresh(t, ledger, pair.RefreshToken, 12)
	require.Len(t, wins, 1)
	for _, err := range errs {
		assert.ErrorIs(t, err, failure.ErrRefreshRevoked)
	}

	var rows, refreshAudits int
	require.NoError(t, db.GetContext(ctx, &rows, `SELECT COUNT(*) FROM refresh_tokens`))
	assert.Equal(t, 2, rows, "exactly one successor persisted")
	require.NoError(t, db.GetContext(ctx, &refreshAudits,
		`SELECT COUNT(*) FROM audit_events WHERE action = ?`, domain.AuditActionRefresh))
	assert.Equal(t, 1, refreshAudits)

	_, err = ledger.Refresh(ctx, wins[0].RefreshToken)
	assert.NoError(t, err, "the winner's secret is live")
}

func TestSQLConcurrentRefreshWithReuseDetection(t *testing.T) {
	ledger, db, obs := newSQLLedger(t, true)
	ctx := context.Background()

	pair, err := ledger.Issue(ctx, "user-1", "user", "tenant-a")
	require.NoError(t, err)

	wins, errs := raceRefresh(t, ledger, pair.RefreshToken, 12)
	require.Len(t, wins, 1)
	for _, err := range errs {
		assert.ErrorIs(t, err, failure.ErrRefreshRevoked)
	}

	successorRevoked := func() bool {
		var revokedAt *time.Time
		require.NoError(t, db.GetContext(ctx, &revokedAt,
			`SELECT revoked_at FROM refresh_tokens WHERE parent_token_hash = ?`, session.HashSecret(pair.RefreshToken)))
		return revokedAt != nil
	}

	// quem leu o registro já revogado disparou a revogação em massa.
	obs.mu.Lock()
	sawReuse := false
	for _, o := range obs.seen {
		if o == "revoked" {
			sawReuse = true
		}
	}
	obs.mu.Unlock()
	if sawReuse {
		assert.True(t, successorRevoked())
	}

	// reapresentar o segredo original é reuso: nenhum sucessor sobrevive.
	_, err = ledger.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, failure.ErrRefreshRevoked)
	assert.True(t, successorRevoked())

	var live int
	require.NoError(t, db.GetContext(ctx, &live, `SELECT COUNT(*) FROM refresh_tokens WHERE revoked_at IS NULL`))
	assert.Zero(t, live)
	_, err = ledger.Refresh(ctx, wins[0].RefreshToken)
	assert.ErrorIs(t, err, failure.ErrRefreshRevoked)
}
