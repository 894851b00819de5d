package bot

import (
	"context"
	"testing"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
)

type stubHandler struct {
	proceed bool
	err     error
	calls   int
}

func (h *stubHandler) Handle(context.Context, *api.Update, *api.Chat, *api.User) (bool, error) {
	h.calls++
	return h.proceed, h.err
}

func freshUpdate() *api.Update {
	return &api.Update{
		UpdateID: 1,
		Message: &api.Message{
			Date: int(time.Now().Unix()),
			Chat: api.Chat{ID: -100111},
			From: &api.User{ID: 777},
		},
	}
}

func TestProcessStopsChainWhenHandlerHaltsIt(t *testing.T) {
	t.Parallel()

	first := &stubHandler{proceed: false}
	second := &stubHandler{proceed: true}
	up := &UpdateProcessor{updateHandlers: []Handler{first, second}}

	if err := up.Process(context.Background(), freshUpdate()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if first.calls != 1 {
		t.Fatalf("first handler calls = %d", first.calls)
	}
	if second.calls != 0 {
		t.Fatalf("second handler reached after halt, calls = %d", second.calls)
	}
}

func TestProcessSkipsOutdatedUpdates(t *testing.T) {
	t.Parallel()

	h := &stubHandler{proceed: true}
	up := &UpdateProcessor{updateHandlers: []Handler{h}}

	stale := freshUpdate()
	stale.Message.Date = int(time.Now().Add(-UpdateTimeout - time.Minute).Unix())

	if err := up.Process(context.Background(), stale); err != nil {
		t.Fatalf("process: %v", err)
	}
	if h.calls != 0 {
		t.Fatalf("handler called for outdated update, calls = %d", h.calls)
	}
}

func TestIsIgnorableAccount(t *testing.T) {
	t.Parallel()

	if !IsIgnorableAccount(nil) {
		t.Error("nil user not ignorable")
	}
	if !IsIgnorableAccount(&api.User{ID: 42, IsBot: true}) {
		t.Error("bot account not ignorable")
	}
	if !IsIgnorableAccount(&api.User{ID: TelegramServiceAccountID}) {
		t.Error("service account not ignorable")
	}
	if IsIgnorableAccount(&api.User{ID: 777}) {
		t.Error("regular user marked ignorable")
	}
}

func TestGetUNFallsBackToFullName(t *testing.T) {
	t.Parallel()

	if got := GetUN(&api.User{UserName: "wave"}); got != "wave" {
		t.Errorf("GetUN = %q", got)
	}
	if got := GetUN(&api.User{FirstName: "John", LastName: "Doe"}); got != "John Doe" {
		t.Errorf("GetUN fallback = %q", got)
	}
	if got := GetUN(nil); got != "" {
		t.Errorf("GetUN(nil) = %q", got)
	}
}
