package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/velinpetkov/eventnotify/internal/database/testutil"
	"github.com/velinpetkov/eventnotify/internal/models"
	"github.com/velinpetkov/eventnotify/pkg/mail"
)

// fakeMailer records sent messages and can be told to fail. An onSend hook,
// when set, runs once delivery is underway, letting a test mutate state as a
// concurrent actor would.
type fakeMailer struct {
	mu     sync.Mutex
	sent   []mail.Message
	err    error
	onSend func(mail.Message)
}

func (m *fakeMailer) Send(ctx context.Context, msg mail.Message) error {
	m.mu.Lock()
	err := m.err
	hook := m.onSend
	m.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		hook(msg)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *fakeMailer) sentMessages() []mail.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mail.Message, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *fakeMailer) failWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func newTestEngine(t *testing.T, mailer mail.Mailer, opts ...EngineOption) (*gorm.DB, *PreferenceService, *NotificationService) {
	t.Helper()

	db := testutil.MustOpenTestDB(t)

	prefs, err := NewPreferenceService(db)
	require.NoError(t, err)

	engine, err := NewNotificationService(db, prefs, mailer, RetryPolicy{}, opts...)
	require.NoError(t, err)

	return db, prefs, engine
}

func mustCreatePreference(t *testing.T, prefs *PreferenceService, enabled bool, contact string) string {
	t.Helper()

	userID := uuid.NewString()
	_, err := prefs.Upsert(context.Background(), UpsertPreferenceInput{
		UserID:      userID,
		Enabled:     enabled,
		ContactInfo: contact,
	})
	require.NoError(t, err)
	return userID
}

func countNotifications(t *testing.T, db *gorm.DB, userID string) int64 {
	t.Helper()

	var count int64
	require.NoError(t, db.Model(&models.Notification{}).Where("user_id = ?", userID).Count(&count).Error)
	return count
}

// gatedMailer blocks every delivery until released, so tests can hold one
// caller mid-send while another overlaps with it.
type gatedMailer struct {
	arrived chan struct{}
	release chan struct{}

	mu   sync.Mutex
	sent []mail.Message
}

func newGatedMailer() *gatedMailer {
	return &gatedMailer{
		arrived: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
}

func (m *gatedMailer) Send(_ context.Context, msg mail.Message) error {
	m.arrived <- struct{}{}
	<-m.release

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *gatedMailer) sentMessages() []mail.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mail.Message, len(m.sent))
	copy(out, m.sent)
	return out
}

// manualClock is an adjustable clock for sweep tests.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{now: start}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
