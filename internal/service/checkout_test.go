package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/invitaly/publication-system/internal/gateway"
	"github.com/invitaly/publication-system/internal/model"
	"github.com/invitaly/publication-system/internal/repository"
)

func TestCreateCheckoutNew(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, err := env.svc.CreateCheckout(ctx, CreateCheckoutRequest{
		UserID:    1,
		DraftID:   10,
		Operation: model.OperationNew,
		Slug:      "boda-alice",
	})
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}

	if session.Status != model.SessionAwaitingPayment {
		t.Errorf("status = %s, want %s", session.Status, model.SessionAwaitingPayment)
	}
	if session.FinalAmount != 49900 {
		t.Errorf("final amount = %d, want 49900", session.FinalAmount)
	}
	if session.PreferenceID == nil {
		t.Error("expected preference id to be set")
	}

	res, err := env.repo.GetReservation(ctx, "boda-alice")
	if err != nil {
		t.Fatalf("GetReservation: %v", err)
	}
	if res == nil || res.Status != model.ReservationActive || res.SessionID != session.ID {
		t.Errorf("unexpected reservation: %+v", res)
	}
}

func TestCreateCheckoutRejectsInvalidSlug(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.CreateCheckout(context.Background(), CreateCheckoutRequest{
		UserID:    1,
		DraftID:   10,
		Operation: model.OperationNew,
		Slug:      "Boda--Alice",
	})
	if !errors.Is(err, ErrInvalidSlug) {
		t.Errorf("err = %v, want ErrInvalidSlug", err)
	}
}

func TestCreateCheckoutForeignDraft(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.CreateCheckout(context.Background(), CreateCheckoutRequest{
		UserID:    1,
		DraftID:   20,
		Operation: model.OperationNew,
		Slug:      "boda-alice",
	})
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}
}

func TestCreateCheckoutUpdateWithoutPublication(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.CreateCheckout(context.Background(), CreateCheckoutRequest{
		UserID:    1,
		DraftID:   10,
		Operation: model.OperationUpdate,
	})
	if !errors.Is(err, ErrNoActivePublication) {
		t.Errorf("err = %v, want ErrNoActivePublication", err)
	}
}

func TestCreateCheckoutDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.svc.cfg.Enabled = false

	_, err := env.svc.CreateCheckout(context.Background(), CreateCheckoutRequest{
		UserID:    1,
		DraftID:   10,
		Operation: model.OperationNew,
		Slug:      "boda-alice",
	})
	if !errors.Is(err, ErrCheckoutDisabled) {
		t.Errorf("err = %v, want ErrCheckoutDisabled", err)
	}
}

func TestCreateCheckoutSlugHeldByOther(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.CreateCheckout(ctx, CreateCheckoutRequest{
		UserID: 1, DraftID: 10, Operation: model.OperationNew, Slug: "nuestra-boda",
	}); err != nil {
		t.Fatalf("first checkout: %v", err)
	}

	_, err := env.svc.CreateCheckout(ctx, CreateCheckoutRequest{
		UserID: 2, DraftID: 20, Operation: model.OperationNew, Slug: "nuestra-boda",
	})
	if !errors.Is(err, repository.ErrSlugTaken) {
		t.Errorf("err = %v, want ErrSlugTaken", err)
	}
}

func TestFreeCheckoutPublishesWithoutGateway(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.repo.codes["LAUNCH"] = &model.DiscountCode{
		Code: "LAUNCH", Active: true, Type: model.DiscountPercentage, Value: 100, AppliesTo: model.AppliesToBoth,
	}

	session, err := env.svc.CreateCheckout(ctx, CreateCheckoutRequest{
		UserID:       1,
		DraftID:      10,
		Operation:    model.OperationNew,
		Slug:         "boda-gratis",
		DiscountCode: "LAUNCH",
	})
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}

	if session.Status != model.SessionPublished {
		t.Fatalf("status = %s, want %s", session.Status, model.SessionPublished)
	}
	if session.FinalAmount != 0 {
		t.Errorf("final amount = %d, want 0", session.FinalAmount)
	}
	if session.Receipt == nil || session.Receipt.Slug != "boda-gratis" {
		t.Errorf("unexpected receipt: %+v", session.Receipt)
	}
	if env.gw.preferences != 0 || env.gw.charges != 0 {
		t.Errorf("gateway was called: preferences=%d charges=%d", env.gw.preferences, env.gw.charges)
	}

	if _, ok := env.repo.publications["boda-gratis"]; !ok {
		t.Error("publication was not created")
	}
	if env.repo.codes["LAUNCH"].RedemptionCount != 1 {
		t.Errorf("redemption count = %d, want 1", env.repo.codes["LAUNCH"].RedemptionCount)
	}
}

func TestPayApprovedPromotes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, err := env.svc.CreateCheckout(ctx, CreateCheckoutRequest{
		UserID: 1, DraftID: 10, Operation: model.OperationNew, Slug: "boda-alice",
	})
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}

	paid, err := env.svc.Pay(ctx, session.ID, 1, gateway.ChargeRequest{Token: "tok"})
	if err != nil {
		t.Fatalf("Pay: %v", err)
	}

	if paid.Status != model.SessionPublished {
		t.Fatalf("status = %s, want %s", paid.Status, model.SessionPublished)
	}
	if paid.Receipt == nil || paid.Receipt.URL != "https://invitaly.mx/p/boda-alice" {
		t.Errorf("unexpected receipt: %+v", paid.Receipt)
	}

	pub := env.repo.publications["boda-alice"]
	if pub == nil {
		t.Fatal("publication was not created")
	}
	if pub.State != model.PublicationActive {
		t.Errorf("publication state = %s, want active", pub.State)
	}
	wantExpiry := env.now.Add(env.svc.cfg.VigencyWindow)
	if !pub.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expires at = %v, want %v", pub.ExpiresAt, wantExpiry)
	}

	if res := env.repo.reservations["boda-alice"]; res.Status != model.ReservationConsumed {
		t.Errorf("reservation status = %s, want consumed", res.Status)
	}

	if _, ok := env.store.data["pub/boda-alice/index.html"]; !ok {
		t.Error("artifact was not stored")
	}
}

func TestPayRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.gw.chargeStatus = gateway.StatusRejected
	env.gw.chargeDetail = "cc_rejected_insufficient_amount"

	session, err := env.svc.CreateCheckout(ctx, CreateCheckoutRequest{
		UserID: 1, DraftID: 10, Operation: model.OperationNew, Slug: "boda-alice",
	})
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}

	paid, err := env.svc.Pay(ctx, session.ID, 1, gateway.ChargeRequest{Token: "tok"})
	if err != nil {
		t.Fatalf("Pay: %v", err)
	}

	if paid.Status != model.SessionPaymentRejected {
		t.Fatalf("status = %s, want %s", paid.Status, model.SessionPaymentRejected)
	}
	if paid.LastError == nil || *paid.LastError != "cc_rejected_insufficient_amount" {
		t.Errorf("unexpected last error: %v", paid.LastError)
	}

	if res := env.repo.reservations["boda-alice"]; res.Status != model.ReservationReleased {
		t.Errorf("reservation status = %s, want released", res.Status)
	}
	if _, ok := env.repo.publications["boda-alice"]; ok {
		t.Error("publication must not exist after rejection")
	}
}

func TestPayForeignSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, err := env.svc.CreateCheckout(ctx, CreateCheckoutRequest{
		UserID: 1, DraftID: 10, Operation: model.OperationNew, Slug: "boda-alice",
	})
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}

	if _, err := env.svc.Pay(ctx, session.ID, 2, gateway.ChargeRequest{}); !errors.Is(err, ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, err := env.svc.CreateCheckout(ctx, CreateCheckoutRequest{
		UserID: 1, DraftID: 10, Operation: model.OperationNew, Slug: "boda-alice",
	})
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}

	paid, err := env.svc.Pay(ctx, session.ID, 1, gateway.ChargeRequest{Token: "tok"})
	if err != nil {
		t.Fatalf("Pay: %v", err)
	}
	firstReceipt := *paid.Receipt

	// Асинхронное уведомление о том же платеже приходит после синхронного
	// подтверждения: терминальная сессия не изменяется.
	for i := 0; i < 3; i++ {
		got, err := env.svc.IngestWebhook(ctx, *paid.PaymentID)
		if err != nil {
			t.Fatalf("IngestWebhook #%d: %v", i+1, err)
		}
		if got.Status != model.SessionPublished {
			t.Errorf("webhook #%d: status = %s, want published", i+1, got.Status)
		}
		if got.Receipt == nil || *got.Receipt != firstReceipt {
			t.Errorf("webhook #%d: receipt changed: %+v", i+1, got.Receipt)
		}
	}

	if got := len(env.repo.history); got != 0 {
		t.Errorf("history records = %d, want 0", got)
	}
}

func TestWebhookApprovedAfterProcessing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.gw.chargeStatus = gateway.StatusProcessing

	session, err := env.svc.CreateCheckout(ctx, CreateCheckoutRequest{
		UserID: 1, DraftID: 10, Operation: model.OperationNew, Slug: "boda-alice",
	})
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}

	pending, err := env.svc.Pay(ctx, session.ID, 1, gateway.ChargeRequest{Token: "tok"})
	if err != nil {
		t.Fatalf("Pay: %v", err)
	}
	if pending.Status != model.SessionPaymentProcessing {
		t.Fatalf("status = %s, want %s", pending.Status, model.SessionPaymentProcessing)
	}

	env.gw.mu.Lock()
	env.gw.payments[*pending.PaymentID].Status = gateway.StatusApproved
	env.gw.mu.Unlock()

	got, err := env.svc.IngestWebhook(ctx, *pending.PaymentID)
	if err != nil {
		t.Fatalf("IngestWebhook: %v", err)
	}
	if got.Status != model.SessionPublished {
		t.Errorf("status = %s, want published", got.Status)
	}
}

func TestSlugConflictRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, err := env.svc.CreateCheckout(ctx, CreateCheckoutRequest{
		UserID: 1, DraftID: 10, Operation: model.OperationNew, Slug: "nuestra-boda",
	})
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}

	// Пока сессия ждала оплату, слаг занял победитель другой гонки.
	env.repo.mu.Lock()
	env.repo.publications["nuestra-boda"] = &model.Publication{
		Slug: "nuestra-boda", UserID: 2, DraftID: 20,
		State:            model.PublicationActive,
		FirstPublishedAt: env.now,
		ExpiresAt:        env.now.Add(time.Hour),
	}
	env.repo.mu.Unlock()

	paid, err := env.svc.Pay(ctx, session.ID, 1, gateway.ChargeRequest{Token: "tok"})
	if err != nil {
		t.Fatalf("Pay: %v", err)
	}
	if paid.Status != model.SessionSlugConflict {
		t.Fatalf("status = %s, want %s", paid.Status, model.SessionSlugConflict)
	}
	if res := env.repo.reservations["nuestra-boda"]; res.Status != model.ReservationReleased {
		t.Errorf("reservation status = %s, want released", res.Status)
	}

	chargesBefore := env.gw.charges

	retried, err := env.svc.RetrySlugConflict(ctx, session.ID, 1, "nuestra-boda-2026")
	if err != nil {
		t.Fatalf("RetrySlugConflict: %v", err)
	}
	if retried.Status != model.SessionPublished {
		t.Fatalf("status = %s, want published", retried.Status)
	}
	if retried.Receipt == nil || retried.Receipt.Slug != "nuestra-boda-2026" {
		t.Errorf("unexpected receipt: %+v", retried.Receipt)
	}
	if env.gw.charges != chargesBefore {
		t.Errorf("retry must not charge again: charges %d -> %d", chargesBefore, env.gw.charges)
	}
	if env.repo.publications["nuestra-boda"].UserID != 2 {
		t.Error("rival publication must stay intact")
	}
}

func TestRetrySlugConflictWrongStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, err := env.svc.CreateCheckout(ctx, CreateCheckoutRequest{
		UserID: 1, DraftID: 10, Operation: model.OperationNew, Slug: "boda-alice",
	})
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}

	_, err = env.svc.RetrySlugConflict(ctx, session.ID, 1, "boda-alice-2")
	if !errors.Is(err, ErrSessionNotRetryable) {
		t.Errorf("err = %v, want ErrSessionNotRetryable", err)
	}
}

func TestSessionLazyExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, err := env.svc.CreateCheckout(ctx, CreateCheckoutRequest{
		UserID: 1, DraftID: 10, Operation: model.OperationNew, Slug: "boda-alice",
	})
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}

	env.now = env.now.Add(env.svc.cfg.SessionTTL + time.Minute)

	got, err := env.svc.GetCheckout(ctx, session.ID, 1)
	if err != nil {
		t.Fatalf("GetCheckout: %v", err)
	}
	if got.Status != model.SessionExpired {
		t.Fatalf("status = %s, want %s", got.Status, model.SessionExpired)
	}
	if res := env.repo.reservations["boda-alice"]; res.Status != model.ReservationReleased {
		t.Errorf("reservation status = %s, want released", res.Status)
	}

	// Истёкшая сессия терминальна: Pay возвращает сохранённый исход и не
	// обращается к шлюзу.
	paid, err := env.svc.Pay(ctx, session.ID, 1, gateway.ChargeRequest{})
	if err != nil {
		t.Fatalf("Pay: %v", err)
	}
	if paid.Status != model.SessionExpired {
		t.Errorf("status = %s, want expired", paid.Status)
	}
	if env.gw.charges != 0 {
		t.Errorf("charges = %d, want 0", env.gw.charges)
	}
}

func TestCheckSlugAvailability(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	avail, err := env.svc.CheckSlugAvailability(ctx, "boda-alice", 1, 10)
	if err != nil {
		t.Fatalf("CheckSlugAvailability: %v", err)
	}
	if !avail.Available {
		t.Errorf("fresh slug must be available: %+v", avail)
	}

	if _, err := env.svc.CreateCheckout(ctx, CreateCheckoutRequest{
		UserID: 1, DraftID: 10, Operation: model.OperationNew, Slug: "boda-alice",
	}); err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}

	// Своё же удержание доступности не мешает.
	avail, err = env.svc.CheckSlugAvailability(ctx, "boda-alice", 1, 10)
	if err != nil {
		t.Fatalf("CheckSlugAvailability: %v", err)
	}
	if !avail.Available {
		t.Errorf("own reservation must not block: %+v", avail)
	}

	avail, err = env.svc.CheckSlugAvailability(ctx, "boda-alice", 2, 20)
	if err != nil {
		t.Fatalf("CheckSlugAvailability: %v", err)
	}
	if avail.Available {
		t.Error("foreign reservation must block")
	}

	avail, err = env.svc.CheckSlugAvailability(ctx, "Boda Alice", 1, 10)
	if err != nil {
		t.Fatalf("CheckSlugAvailability: %v", err)
	}
	if avail.Available {
		t.Error("invalid slug must not be available")
	}
}

func TestExpiredPublicationFreesSlug(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.repo.mu.Lock()
	env.repo.publications["vieja-boda"] = &model.Publication{
		Slug: "vieja-boda", UserID: 2, DraftID: 20,
		State:            model.PublicationActive,
		FirstPublishedAt: env.now.Add(-200 * 24 * time.Hour),
		ExpiresAt:        env.now.Add(-time.Hour),
	}
	env.repo.mu.Unlock()

	avail, err := env.svc.CheckSlugAvailability(ctx, "vieja-boda", 1, 10)
	if err != nil {
		t.Fatalf("CheckSlugAvailability: %v", err)
	}
	if !avail.Available {
		t.Errorf("expired slug must be available: %+v", avail)
	}

	if _, ok := env.repo.publications["vieja-boda"]; ok {
		t.Error("expired publication must be finalized")
	}
	if len(env.repo.history) != 1 {
		t.Errorf("history records = %d, want 1", len(env.repo.history))
	}

	// Слаг можно сразу купить заново.
	if _, err := env.svc.CreateCheckout(ctx, CreateCheckoutRequest{
		UserID: 1, DraftID: 10, Operation: model.OperationNew, Slug: "vieja-boda",
	}); err != nil {
		t.Fatalf("CreateCheckout after expiry: %v", err)
	}
}

func TestUpdateRepublishPreservesExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, err := env.svc.CreateCheckout(ctx, CreateCheckoutRequest{
		UserID: 1, DraftID: 10, Operation: model.OperationNew, Slug: "boda-alice",
	})
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}
	if _, err := env.svc.Pay(ctx, session.ID, 1, gateway.ChargeRequest{Token: "tok"}); err != nil {
		t.Fatalf("Pay: %v", err)
	}

	firstExpiry := env.repo.publications["boda-alice"].ExpiresAt
	firstPublished := env.repo.publications["boda-alice"].FirstPublishedAt

	env.now = env.now.Add(30 * 24 * time.Hour)

	upd, err := env.svc.CreateCheckout(ctx, CreateCheckoutRequest{
		UserID: 1, DraftID: 10, Operation: model.OperationUpdate,
	})
	if err != nil {
		t.Fatalf("update checkout: %v", err)
	}
	if upd.FinalAmount != 19900 {
		t.Errorf("update amount = %d, want 19900", upd.FinalAmount)
	}
	if upd.Slug != "boda-alice" {
		t.Errorf("update slug = %s, want boda-alice", upd.Slug)
	}

	if _, err := env.svc.Pay(ctx, upd.ID, 1, gateway.ChargeRequest{Token: "tok"}); err != nil {
		t.Fatalf("Pay update: %v", err)
	}

	pub := env.repo.publications["boda-alice"]
	if !pub.ExpiresAt.Equal(firstExpiry) {
		t.Errorf("expiry changed on republish: %v -> %v", firstExpiry, pub.ExpiresAt)
	}
	if !pub.FirstPublishedAt.Equal(firstPublished) {
		t.Errorf("first published changed on republish: %v -> %v", firstPublished, pub.FirstPublishedAt)
	}
	if pub.RepublishedAt == nil || !pub.RepublishedAt.Equal(env.now) {
		t.Errorf("republished at = %v, want %v", pub.RepublishedAt, env.now)
	}
}

func TestConcurrentReserveSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const attempts = 16
	errs := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		userID := int64(1)
		draftID := int64(10)
		if i%2 == 1 {
			userID, draftID = 2, 20
		}
		go func(userID, draftID int64) {
			_, err := env.svc.CreateCheckout(ctx, CreateCheckoutRequest{
				UserID: userID, DraftID: draftID, Operation: model.OperationNew, Slug: "boda-unica",
			})
			errs <- err
		}(userID, draftID)
	}

	var taken int
	for i := 0; i < attempts; i++ {
		if err := <-errs; errors.Is(err, repository.ErrSlugTaken) {
			taken++
		} else if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	res := env.repo.reservations["boda-unica"]
	if res == nil || res.Status != model.ReservationActive {
		t.Fatalf("unexpected reservation: %+v", res)
	}
	if taken == 0 {
		t.Log("no contention observed, reservation still single-owner")
	}
}

func TestPayRetryAfterStoreFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, err := env.svc.CreateCheckout(ctx, CreateCheckoutRequest{
		UserID: 1, DraftID: 10, Operation: model.OperationNew, Slug: "boda-alice",
	})
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}

	env.store.putErr = errors.New("artifact store unavailable")

	if _, err := env.svc.Pay(ctx, session.ID, 1, gateway.ChargeRequest{Token: "tok"}); err == nil {
		t.Fatal("expected Pay to fail while the store is down")
	}

	stuck := env.repo.sessions[session.ID]
	if stuck.Status != model.SessionPaymentApproved {
		t.Fatalf("status = %s, want %s", stuck.Status, model.SessionPaymentApproved)
	}
	if env.gw.charges != 1 {
		t.Fatalf("charges = %d, want 1", env.gw.charges)
	}

	// Оплата прошла; повтор Pay допубликовывает без второго списания.
	env.store.putErr = nil

	paid, err := env.svc.Pay(ctx, session.ID, 1, gateway.ChargeRequest{Token: "tok"})
	if err != nil {
		t.Fatalf("Pay retry: %v", err)
	}
	if paid.Status != model.SessionPublished {
		t.Fatalf("status = %s, want published", paid.Status)
	}
	if env.gw.charges != 1 {
		t.Errorf("retry must not charge again: charges = %d", env.gw.charges)
	}
	if _, ok := env.store.data["pub/boda-alice/index.html"]; !ok {
		t.Error("artifact was not stored on retry")
	}
}

func TestWebhookRedeliveryResumesPromotion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, err := env.svc.CreateCheckout(ctx, CreateCheckoutRequest{
		UserID: 1, DraftID: 10, Operation: model.OperationNew, Slug: "boda-alice",
	})
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}

	env.store.putErr = errors.New("artifact store unavailable")
	if _, err := env.svc.Pay(ctx, session.ID, 1, gateway.ChargeRequest{Token: "tok"}); err == nil {
		t.Fatal("expected Pay to fail while the store is down")
	}
	env.store.putErr = nil

	paymentID := *env.repo.sessions[session.ID].PaymentID

	got, err := env.svc.IngestWebhook(ctx, paymentID)
	if err != nil {
		t.Fatalf("IngestWebhook: %v", err)
	}
	if got.Status != model.SessionPublished {
		t.Fatalf("status = %s, want published", got.Status)
	}
	if env.gw.charges != 1 {
		t.Errorf("redelivery must not charge again: charges = %d", env.gw.charges)
	}
}

func TestSweepResumesStalledPromotions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.store.putErr = errors.New("artifact store unavailable")

	first, err := env.svc.CreateCheckout(ctx, CreateCheckoutRequest{
		UserID: 1, DraftID: 10, Operation: model.OperationNew, Slug: "boda-alice",
	})
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}
	if _, err := env.svc.Pay(ctx, first.ID, 1, gateway.ChargeRequest{Token: "tok"}); err == nil {
		t.Fatal("expected Pay to fail while the store is down")
	}

	second, err := env.svc.CreateCheckout(ctx, CreateCheckoutRequest{
		UserID: 2, DraftID: 20, Operation: model.OperationNew, Slug: "boda-bob",
	})
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}
	if _, err := env.svc.Pay(ctx, second.ID, 2, gateway.ChargeRequest{Token: "tok"}); err == nil {
		t.Fatal("expected Pay to fail while the store is down")
	}

	env.store.putErr = nil

	// Первая сессия застряла в payment_approved; вторая имитирует падение
	// процесса посреди публикации. Сессией, которой занят живой участник,
	// обход не интересуется.
	env.repo.mu.Lock()
	env.repo.sessions[first.ID].UpdatedAt = env.now.Add(-2 * time.Minute)
	env.repo.sessions[second.ID].Status = model.SessionPublishing
	env.repo.sessions[second.ID].UpdatedAt = env.now.Add(-2 * time.Minute)
	env.repo.mu.Unlock()

	counters, err := env.svc.ResumeStalledPromotions(ctx, 100)
	if err != nil {
		t.Fatalf("ResumeStalledPromotions: %v", err)
	}
	if counters.Scanned != 2 || counters.Acted != 2 {
		t.Fatalf("counters = %+v, want scanned 2, acted 2", counters)
	}

	for _, id := range []string{first.ID, second.ID} {
		if got := env.repo.sessions[id].Status; got != model.SessionPublished {
			t.Errorf("session %s status = %s, want published", id, got)
		}
	}
	if env.gw.charges != 2 {
		t.Errorf("resume must not charge again: charges = %d, want 2", env.gw.charges)
	}
}

func TestSweepSkipsFreshApprovedSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, err := env.svc.CreateCheckout(ctx, CreateCheckoutRequest{
		UserID: 1, DraftID: 10, Operation: model.OperationNew, Slug: "boda-alice",
	})
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}

	env.store.putErr = errors.New("artifact store unavailable")
	if _, err := env.svc.Pay(ctx, session.ID, 1, gateway.ChargeRequest{Token: "tok"}); err == nil {
		t.Fatal("expected Pay to fail while the store is down")
	}

	env.repo.mu.Lock()
	env.repo.sessions[session.ID].UpdatedAt = env.now
	env.repo.mu.Unlock()

	counters, err := env.svc.ResumeStalledPromotions(ctx, 100)
	if err != nil {
		t.Fatalf("ResumeStalledPromotions: %v", err)
	}
	if counters.Scanned != 0 {
		t.Errorf("scanned = %d, want 0 for a fresh session", counters.Scanned)
	}
}

func TestSlugConflictSurvivesExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, err := env.svc.CreateCheckout(ctx, CreateCheckoutRequest{
		UserID: 1, DraftID: 10, Operation: model.OperationNew, Slug: "nuestra-boda",
	})
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}

	env.repo.mu.Lock()
	env.repo.publications["nuestra-boda"] = &model.Publication{
		Slug: "nuestra-boda", UserID: 2, DraftID: 20,
		State:            model.PublicationActive,
		FirstPublishedAt: env.now,
		ExpiresAt:        env.now.Add(time.Hour),
	}
	env.repo.mu.Unlock()

	paid, err := env.svc.Pay(ctx, session.ID, 1, gateway.ChargeRequest{Token: "tok"})
	if err != nil {
		t.Fatalf("Pay: %v", err)
	}
	if paid.Status != model.SessionSlugConflict {
		t.Fatalf("status = %s, want %s", paid.Status, model.SessionSlugConflict)
	}

	// Оплаченный конфликт не истекает: ни лениво при чтении, ни фоновым
	// обходом. Пользователь выбирает новый слаг в своём темпе.
	env.now = env.now.Add(env.svc.cfg.SessionTTL + time.Hour)

	if _, err := env.repo.ExpireStaleSessions(ctx, env.now, 100); err != nil {
		t.Fatalf("ExpireStaleSessions: %v", err)
	}

	got, err := env.svc.GetCheckout(ctx, session.ID, 1)
	if err != nil {
		t.Fatalf("GetCheckout: %v", err)
	}
	if got.Status != model.SessionSlugConflict {
		t.Fatalf("status = %s, want %s", got.Status, model.SessionSlugConflict)
	}

	retried, err := env.svc.RetrySlugConflict(ctx, session.ID, 1, "nuestra-boda-2026")
	if err != nil {
		t.Fatalf("RetrySlugConflict: %v", err)
	}
	if retried.Status != model.SessionPublished {
		t.Errorf("status = %s, want published", retried.Status)
	}
}

func TestWebhookResolvesSessionByPaymentID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, err := env.svc.CreateCheckout(ctx, CreateCheckoutRequest{
		UserID: 1, DraftID: 10, Operation: model.OperationNew, Slug: "boda-alice",
	})
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}

	// Ответ шлюза без external_reference: сессия разыскивается по
	// идентификатору платежа, записанному при списании.
	paymentID := "pay-ext-1"
	env.gw.mu.Lock()
	env.gw.payments[paymentID] = &gateway.Payment{ID: paymentID, Status: gateway.StatusApproved}
	env.gw.mu.Unlock()
	env.repo.mu.Lock()
	env.repo.sessions[session.ID].PaymentID = &paymentID
	env.repo.mu.Unlock()

	got, err := env.svc.IngestWebhook(ctx, paymentID)
	if err != nil {
		t.Fatalf("IngestWebhook: %v", err)
	}
	if got.Status != model.SessionPublished {
		t.Errorf("status = %s, want published", got.Status)
	}
}

func TestPayRetryReusesIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, err := env.svc.CreateCheckout(ctx, CreateCheckoutRequest{
		UserID: 1, DraftID: 10, Operation: model.OperationNew, Slug: "boda-alice",
	})
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}

	env.gw.chargeErr = errors.New("gateway timeout")
	if _, err := env.svc.Pay(ctx, session.ID, 1, gateway.ChargeRequest{Token: "tok"}); err == nil {
		t.Fatal("expected Pay to fail on gateway timeout")
	}
	env.gw.chargeErr = nil

	if _, err := env.svc.Pay(ctx, session.ID, 1, gateway.ChargeRequest{Token: "tok"}); err != nil {
		t.Fatalf("Pay retry: %v", err)
	}

	if len(env.gw.chargeKeys) != 2 {
		t.Fatalf("charge attempts = %d, want 2", len(env.gw.chargeKeys))
	}
	if env.gw.chargeKeys[0] != env.gw.chargeKeys[1] {
		t.Errorf("idempotency key changed between retries: %s != %s",
			env.gw.chargeKeys[0], env.gw.chargeKeys[1])
	}
}
