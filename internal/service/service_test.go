package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/invitaly/publication-system/internal/config"
	"github.com/invitaly/publication-system/internal/gateway"
	"github.com/invitaly/publication-system/internal/model"
	"github.com/invitaly/publication-system/internal/repository"
)

// fakeRepo — репозиторий в памяти, повторяющий условные записи постгресовой
// реализации: защищённые переходы статусов, один победитель удержания слага,
// однократный учёт промокода.
type fakeRepo struct {
	mu sync.Mutex

	users        map[int64]*model.User
	drafts       map[int64]*model.Draft
	sessions     map[string]*model.CheckoutSession
	reservations map[string]*model.SlugReservation
	publications map[string]*model.Publication
	history      map[string]*model.PublicationHistory
	codes        map[string]*model.DiscountCode
	usages       map[string]*model.DiscountUsage
	responses    []model.GuestResponse
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:        map[int64]*model.User{},
		drafts:       map[int64]*model.Draft{},
		sessions:     map[string]*model.CheckoutSession{},
		reservations: map[string]*model.SlugReservation{},
		publications: map[string]*model.Publication{},
		history:      map[string]*model.PublicationHistory{},
		codes:        map[string]*model.DiscountCode{},
		usages:       map[string]*model.DiscountUsage{},
	}
}

func (f *fakeRepo) Close() error { return nil }

func (f *fakeRepo) CreateUser(_ context.Context, login string, hash []byte) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, u := range f.users {
		if u.Login == login {
			return 0, repository.ErrUserExists
		}
	}
	id := int64(len(f.users) + 1)
	f.users[id] = &model.User{ID: id, Login: login, PasswordHash: hash}
	return id, nil
}

func (f *fakeRepo) GetUserByLogin(_ context.Context, login string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, u := range f.users {
		if u.Login == login {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (f *fakeRepo) GetUserByID(_ context.Context, id int64) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeRepo) GetDraft(_ context.Context, id int64) (*model.Draft, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.drafts[id]
	if !ok {
		return nil, repository.ErrDraftNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeRepo) CreateSession(_ context.Context, s *model.CheckoutSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeRepo) GetSession(_ context.Context, id string) (*model.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionLocked(id)
}

func (f *fakeRepo) sessionLocked(id string) (*model.CheckoutSession, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeRepo) GetSessionByPaymentID(_ context.Context, paymentID string) (*model.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, s := range f.sessions {
		if s.PaymentID != nil && *s.PaymentID == paymentID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, repository.ErrSessionNotFound
}

func (f *fakeRepo) TransitionSession(_ context.Context, id string, from []model.SessionStatus, to model.SessionStatus, upd repository.SessionUpdate) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.sessions[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, st := range from {
		if s.Status == st {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}

	s.Status = to
	if upd.PaymentID != nil {
		s.PaymentID = upd.PaymentID
	}
	if upd.PreferenceID != nil {
		s.PreferenceID = upd.PreferenceID
	}
	if upd.LastError != nil {
		s.LastError = upd.LastError
	}
	return true, nil
}

func (f *fakeRepo) ExpireSession(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.sessions[id]
	if !ok || s.Status.Terminal() {
		return false, nil
	}
	s.Status = model.SessionExpired

	if res, ok := f.reservations[s.Slug]; ok && res.SessionID == id && res.Status == model.ReservationActive {
		res.Status = model.ReservationReleased
	}
	return true, nil
}

func (f *fakeRepo) ExpireStaleSessions(ctx context.Context, now time.Time, limit int) (int64, error) {
	f.mu.Lock()
	var stale []string
	for id, s := range f.sessions {
		if !s.Status.Terminal() && s.ExpiresAt.Before(now) {
			stale = append(stale, id)
		}
	}
	f.mu.Unlock()

	var n int64
	for _, id := range stale {
		ok, err := f.ExpireSession(ctx, id)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) ListStalledPromotions(_ context.Context, stalledBefore, now time.Time, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var ids []string
	for id, s := range f.sessions {
		if s.Status != model.SessionPaymentApproved && s.Status != model.SessionPublishing {
			continue
		}
		if !s.UpdatedAt.Before(stalledBefore) || !s.ExpiresAt.After(now) {
			continue
		}
		if len(ids) < limit {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeRepo) SetSessionError(_ context.Context, id, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if s, ok := f.sessions[id]; ok {
		s.LastError = &message
	}
	return nil
}

func (f *fakeRepo) UpdateSessionSlug(_ context.Context, id, slug string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if s, ok := f.sessions[id]; ok {
		s.Slug = slug
	}
	return nil
}

func (f *fakeRepo) ReserveSlug(_ context.Context, p repository.ReserveParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if pub, ok := f.publications[p.Slug]; ok && pub.ExpiresAt.After(p.Now) {
		return repository.ErrSlugTaken
	}

	if res, ok := f.reservations[p.Slug]; ok &&
		res.Status == model.ReservationActive &&
		res.ExpiresAt.After(p.Now) &&
		(res.UserID != p.UserID || res.DraftID != p.DraftID) {
		return repository.ErrSlugTaken
	}

	f.reservations[p.Slug] = &model.SlugReservation{
		Slug:      p.Slug,
		UserID:    p.UserID,
		DraftID:   p.DraftID,
		SessionID: p.SessionID,
		Status:    model.ReservationActive,
		ExpiresAt: p.Now.Add(p.TTL),
		CreatedAt: p.Now,
	}
	return nil
}

func (f *fakeRepo) ReleaseSlug(_ context.Context, slug, sessionID string, next model.ReservationStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if res, ok := f.reservations[slug]; ok && res.SessionID == sessionID && res.Status == model.ReservationActive {
		res.Status = next
	}
	return nil
}

func (f *fakeRepo) GetReservation(_ context.Context, slug string) (*model.SlugReservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	res, ok := f.reservations[slug]
	if !ok {
		return nil, nil
	}
	cp := *res
	return &cp, nil
}

func (f *fakeRepo) MarkExpiredReservations(_ context.Context, now time.Time, _ int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var n int64
	for _, res := range f.reservations {
		if res.Status == model.ReservationActive && res.ExpiresAt.Before(now) {
			res.Status = model.ReservationExpired
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) GetPublication(_ context.Context, slug string) (*model.Publication, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pub, ok := f.publications[slug]
	if !ok {
		return nil, repository.ErrPublicationNotFound
	}
	cp := *pub
	return &cp, nil
}

func (f *fakeRepo) PromotePublication(_ context.Context, p repository.PromoteParams) (*model.Publication, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing := f.publications[p.Slug]

	switch p.Operation {
	case model.OperationNew:
		if existing != nil {
			return nil, repository.ErrSlugTaken
		}
	case model.OperationUpdate:
		if existing == nil {
			return nil, repository.ErrPublicationNotFound
		}
		if existing.DraftID != p.DraftID {
			return nil, repository.ErrWrongDraft
		}
		if existing.State == model.PublicationTrash {
			return nil, repository.ErrPublicationTrashed
		}
	}

	pub := &model.Publication{
		Slug:             p.Slug,
		UserID:           p.UserID,
		DraftID:          p.DraftID,
		ContentKey:       p.ContentKey,
		State:            model.PublicationActive,
		FirstPublishedAt: p.Now,
		ExpiresAt:        p.Now.Add(p.VigencyWindow),
	}
	if existing != nil {
		pub.FirstPublishedAt = existing.FirstPublishedAt
		pub.ExpiresAt = existing.ExpiresAt
		now := p.Now
		pub.RepublishedAt = &now
		if existing.State == model.PublicationPaused {
			pub.State = model.PublicationPaused
			pub.PausedAt = existing.PausedAt
		}
	}
	f.publications[p.Slug] = pub

	if res, ok := f.reservations[p.Slug]; ok && res.SessionID == p.SessionID && res.Status == model.ReservationActive {
		res.Status = model.ReservationConsumed
	}

	if p.DiscountCode != nil && *p.DiscountCode != "" {
		if _, used := f.usages[p.SessionID]; !used {
			f.usages[p.SessionID] = &model.DiscountUsage{
				SessionID: p.SessionID,
				Code:      *p.DiscountCode,
				Amount:    p.DiscountValue,
				UsedAt:    p.Now,
			}
			if code, ok := f.codes[*p.DiscountCode]; ok {
				code.RedemptionCount++
			}
		}
	}

	if s, ok := f.sessions[p.SessionID]; ok && s.Status == model.SessionPublishing {
		s.Status = model.SessionPublished
		s.Receipt = &model.Receipt{Slug: p.Slug, URL: p.PublicURL, PublishedAt: p.Now}
	}

	if d, ok := f.drafts[p.DraftID]; ok {
		slug := p.Slug
		state := string(pub.State)
		d.PublicSlug = &slug
		d.PubState = &state
	}

	cp := *pub
	return &cp, nil
}

func (f *fakeRepo) TransitionPublication(_ context.Context, slug string, userID int64, from, to model.PublicationState, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pub, ok := f.publications[slug]
	if !ok || pub.UserID != userID || pub.State != from {
		return false, nil
	}
	if from == model.PublicationPaused && to == model.PublicationActive && !pub.ExpiresAt.After(now) {
		return false, nil
	}

	pub.State = to
	switch to {
	case model.PublicationPaused:
		pub.PausedAt = &now
		pub.TrashedAt = nil
	case model.PublicationTrash:
		pub.TrashedAt = &now
	case model.PublicationActive:
		pub.PausedAt = nil
	}
	return true, nil
}

func (f *fakeRepo) FinalizePublication(_ context.Context, slug, reason string, now time.Time) (*repository.FinalizeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pub, ok := f.publications[slug]
	if !ok {
		return &repository.FinalizeResult{AlreadyMissing: true}, nil
	}

	var metrics model.ResponseMetrics
	for _, resp := range f.responses {
		if resp.Slug != slug {
			continue
		}
		metrics.Total++
		if resp.Attending {
			metrics.Attending++
			metrics.ConfirmedGuests += resp.GuestCount
		} else {
			metrics.Declined++
		}
		if resp.SpecialMenu {
			metrics.SpecialMenu++
		}
		if resp.Transport {
			metrics.NeedsTransport++
		}
	}

	key := fmt.Sprintf("%s@%s", slug, pub.FirstPublishedAt.UTC().Format(time.RFC3339))
	if _, exists := f.history[key]; !exists {
		f.history[key] = &model.PublicationHistory{
			Slug:             slug,
			FirstPublishedAt: pub.FirstPublishedAt,
			UserID:           pub.UserID,
			DraftID:          pub.DraftID,
			Reason:           reason,
			Metrics:          metrics,
			FinalizedAt:      now,
		}
	}

	delete(f.publications, slug)

	if res, ok := f.reservations[slug]; ok && res.Status == model.ReservationActive {
		res.Status = model.ReservationReleased
	}

	if d, ok := f.drafts[pub.DraftID]; ok {
		state := "finalized"
		d.PublicSlug = nil
		d.PubState = &state
	}

	return &repository.FinalizeResult{
		HistoryID:  key,
		Finalized:  true,
		ContentKey: pub.ContentKey,
	}, nil
}

func (f *fakeRepo) ListExpiredPublications(_ context.Context, now time.Time, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var res []string
	for slug, pub := range f.publications {
		if !pub.ExpiresAt.After(now) && len(res) < limit {
			res = append(res, slug)
		}
	}
	return res, nil
}

func (f *fakeRepo) ListPurgeablePublications(_ context.Context, now time.Time, retention time.Duration, limit int) ([]repository.PurgeCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var res []repository.PurgeCandidate
	for slug, pub := range f.publications {
		if pub.State == model.PublicationTrash && pub.ExpiresAt.Add(retention).Before(now) && len(res) < limit {
			res = append(res, repository.PurgeCandidate{Slug: slug, ContentKey: pub.ContentKey, DraftID: pub.DraftID})
		}
	}
	return res, nil
}

func (f *fakeRepo) PurgePublication(_ context.Context, slug string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	pub, ok := f.publications[slug]
	if !ok || pub.State != model.PublicationTrash {
		return nil
	}

	delete(f.publications, slug)
	delete(f.reservations, slug)
	if d, ok := f.drafts[pub.DraftID]; ok {
		d.PublicSlug = nil
		d.PubState = nil
	}
	return nil
}

func (f *fakeRepo) CreateDiscountCode(_ context.Context, c *model.DiscountCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.codes[c.Code]; ok {
		return repository.ErrCodeExists
	}
	cp := *c
	f.codes[c.Code] = &cp
	return nil
}

func (f *fakeRepo) UpdateDiscountCode(_ context.Context, c *model.DiscountCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, ok := f.codes[c.Code]
	if !ok {
		return repository.ErrCodeNotFound
	}
	count := existing.RedemptionCount
	cp := *c
	cp.RedemptionCount = count
	f.codes[c.Code] = &cp
	return nil
}

func (f *fakeRepo) GetDiscountCode(_ context.Context, code string) (*model.DiscountCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.codes[code]
	if !ok {
		return nil, repository.ErrCodeNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeRepo) ListDiscountCodes(_ context.Context) ([]repository.DiscountCodeStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var res []repository.DiscountCodeStats
	for _, c := range f.codes {
		stats := repository.DiscountCodeStats{Code: *c}
		for _, u := range f.usages {
			if u.Code == c.Code {
				stats.UsageCount++
				stats.TotalAmount += u.Amount
			}
		}
		res = append(res, stats)
	}
	return res, nil
}

func (f *fakeRepo) ListDiscountUsages(_ context.Context, code string) ([]model.DiscountUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var res []model.DiscountUsage
	for _, u := range f.usages {
		if u.Code == code {
			res = append(res, *u)
		}
	}
	return res, nil
}

// fakeGateway возвращает заранее заданные результаты и считает обращения.
type fakeGateway struct {
	mu sync.Mutex

	chargeStatus gateway.Status
	chargeDetail string
	chargeErr    error

	payments map[string]*gateway.Payment

	preferences int
	charges     int
	chargeKeys  []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{chargeStatus: gateway.StatusApproved, payments: map[string]*gateway.Payment{}}
}

func (g *fakeGateway) CreatePreference(_ context.Context, _ *model.CheckoutSession, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.preferences++
	return fmt.Sprintf("pref-%d", g.preferences), nil
}

func (g *fakeGateway) Charge(_ context.Context, session *model.CheckoutSession, _ gateway.ChargeRequest, idempotencyKey string) (*gateway.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.chargeKeys = append(g.chargeKeys, idempotencyKey)

	if g.chargeErr != nil {
		return nil, g.chargeErr
	}

	g.charges++
	id := fmt.Sprintf("pay-%d", g.charges)
	g.payments[id] = &gateway.Payment{ID: id, SessionID: session.ID, Status: g.chargeStatus, Detail: g.chargeDetail}
	return &gateway.ChargeResult{ExternalID: id, Status: g.chargeStatus, Detail: g.chargeDetail}, nil
}

func (g *fakeGateway) GetPayment(_ context.Context, paymentID string) (*gateway.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.payments[paymentID]
	if !ok {
		return nil, fmt.Errorf("payment %s not found", paymentID)
	}
	cp := *p
	return &cp, nil
}

type fakeRenderer struct{}

func (fakeRenderer) Render(_ context.Context, draft *model.Draft) ([]byte, error) {
	return []byte("<html>" + string(draft.Content) + "</html>"), nil
}

type fakeStore struct {
	mu     sync.Mutex
	data   map[string][]byte
	putErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string][]byte{}}
}

func (s *fakeStore) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.data[key] = data
	return nil
}

func (s *fakeStore) DeletePrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.data {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(s.data, key)
		}
	}
	return nil
}

type testEnv struct {
	svc   *Service
	repo  *fakeRepo
	gw    *fakeGateway
	store *fakeStore
	now   time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo := newFakeRepo()
	gw := newFakeGateway()
	store := newFakeStore()

	cfg := config.Checkout{
		Enabled:        true,
		PriceNew:       49900,
		PriceUpdate:    19900,
		Currency:       "MXN",
		SessionTTL:     30 * time.Minute,
		ReservationTTL: 45 * time.Minute,
		VigencyWindow:  180 * 24 * time.Hour,
		Retention:      30 * 24 * time.Hour,
		SweepInterval:  time.Minute,
		SweepBatchSize: 100,
	}

	svc := NewService(repo, gw, fakeRenderer{}, store, cfg, "https://invitaly.mx/p", zap.NewNop())

	env := &testEnv{svc: svc, repo: repo, gw: gw, store: store, now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	svc.nowFunc = func() time.Time { return env.now }

	repo.users[1] = &model.User{ID: 1, Login: "alice"}
	repo.users[2] = &model.User{ID: 2, Login: "bob"}
	repo.users[9] = &model.User{ID: 9, Login: "root", IsAdmin: true}
	repo.drafts[10] = &model.Draft{ID: 10, UserID: 1, Content: json.RawMessage(`{"title":"boda de alice"}`)}
	repo.drafts[20] = &model.Draft{ID: 20, UserID: 2, Content: json.RawMessage(`{"title":"boda de bob"}`)}

	return env
}
