package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/mend/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/mend/backend/internal/database"
	"github.com/MarcoPoloResearchLab/mend/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/mend/backend/internal/policy"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	testSigningSecret = "test-signing-secret"
	testCookieName    = "app_session"
	testUserID        = "user-123"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(value time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = value
}

type testServer struct {
	handler  http.Handler
	clock    *manualClock
	store    *notifications.GormStore
	realtime *notifications.RealtimeDispatcher
	push     *recordingSender
}

type recordingSender struct {
	mu       sync.Mutex
	payloads []notifications.Payload
}

func (s *recordingSender) Deliver(_ context.Context, payload notifications.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *recordingSender) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

// middayUTC is outside the default quiet hours.
var middayUTC = time.Date(2024, time.March, 4, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, logger *zap.Logger) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "mend.db"), nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		_ = database.Close(db)
	})

	clock := &manualClock{now: middayUTC}
	policyStore, err := policy.NewGormStore(db)
	if err != nil {
		t.Fatalf("failed to construct policy store: %v", err)
	}
	gate, err := policy.NewGate(policy.GateConfig{Store: policyStore, Clock: clock.Now, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct gate: %v", err)
	}

	store, err := notifications.NewGormStore(db)
	if err != nil {
		t.Fatalf("failed to construct notification store: %v", err)
	}
	preferences, err := notifications.NewGormPreferenceStore(db, "UTC", clock.Now)
	if err != nil {
		t.Fatalf("failed to construct preference store: %v", err)
	}
	realtime := notifications.NewRealtimeDispatcher()
	push := &recordingSender{}
	scheduler, err := notifications.NewScheduler(notifications.SchedulerConfig{
		Preferences: preferences,
		Ledger:      store,
		Schedules:   store,
		Senders: map[notifications.Channel]notifications.ChannelSender{
			notifications.ChannelPush:  push,
			notifications.ChannelEmail: notifications.UnavailableSender{},
			notifications.ChannelInApp: notifications.NewInAppSender(store, realtime, clock.Now),
		},
		Clock:  clock.Now,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("failed to construct scheduler: %v", err)
	}

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct session validator: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Gate:              gate,
		Notifications:     scheduler,
		Inbox:             store,
		Realtime:          realtime,
		Sessions:          sessions,
		MetricsHandler:    http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "# metrics\n") }),
		HeartbeatInterval: time.Hour,
		Clock:             clock.Now,
		Logger:            logger,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	return &testServer{
		handler:  handler,
		clock:    clock,
		store:    store,
		realtime: realtime,
		push:     push,
	}
}

func signSessionToken(t *testing.T, userID string) string {
	t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tauth",
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

// do sends an authenticated request for testUserID.
func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	request.AddCookie(&http.Cookie{Name: testCookieName, Value: signSessionToken(t, testUserID)})
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}
