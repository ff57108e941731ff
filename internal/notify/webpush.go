package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/crewpilot/crewpilot/internal/project"
)

// Subscription is a browser push subscription as produced by
// PushManager.subscribe().toJSON().
type Subscription struct {
	Endpoint       string           `json:"endpoint"`
	ExpirationTime any              `json:"expirationTime,omitempty"`
	Keys           SubscriptionKeys `json:"keys"`
	Label          string           `json:"label,omitempty"`
	AddedAt        time.Time        `json:"addedAt,omitempty"`
}

// SubscriptionKeys are the client's encryption keys.
type SubscriptionKeys struct {
	P256DH string `json:"p256dh"`
	Auth   string `json:"auth"`
}

func (s Subscription) normalize() Subscription {
	s.Endpoint = strings.TrimSpace(s.Endpoint)
	s.Keys.P256DH = strings.TrimSpace(s.Keys.P256DH)
	s.Keys.Auth = strings.TrimSpace(s.Keys.Auth)
	return s
}

// Validate checks the required fields.
func (s Subscription) Validate() error {
	sub := s.normalize()
	if sub.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if u, err := url.Parse(sub.Endpoint); err != nil || u.Scheme != "https" {
		return fmt.Errorf("endpoint must be an https URL")
	}
	if sub.Keys.P256DH == "" {
		return fmt.Errorf("keys.p256dh is required")
	}
	if sub.Keys.Auth == "" {
		return fmt.Errorf("keys.auth is required")
	}
	return nil
}

type subscriptionFile struct {
	UpdatedAt     time.Time      `json:"updatedAt"`
	Subscriptions []Subscription `json:"subscriptions"`
}

// SubscriptionStore persists subscriptions in push-subscriptions.json.
type SubscriptionStore struct {
	path string
	mu   sync.Mutex
}

// NewSubscriptionStore returns a store backed by path.
func NewSubscriptionStore(path string) *SubscriptionStore {
	return &SubscriptionStore{path: path}
}

// List returns a copy of every subscription.
func (s *SubscriptionStore) List() ([]Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	out := make([]Subscription, len(data.Subscriptions))
	copy(out, data.Subscriptions)
	return out, nil
}

// Upsert adds sub or replaces the one with the same endpoint.
func (s *SubscriptionStore) Upsert(sub Subscription) error {
	sub = sub.normalize()
	if err := sub.Validate(); err != nil {
		return err
	}
	if sub.AddedAt.IsZero() {
		sub.AddedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.readLocked()
	if err != nil {
		return err
	}
	replaced := false
	for i := range data.Subscriptions {
		if data.Subscriptions[i].Endpoint == sub.Endpoint {
			data.Subscriptions[i] = sub
			replaced = true
			break
		}
	}
	if !replaced {
		data.Subscriptions = append(data.Subscriptions, sub)
	}
	return s.writeLocked(data)
}

// Remove drops the subscription for endpoint and reports whether it existed.
func (s *SubscriptionStore) Remove(endpoint string) (bool, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.readLocked()
	if err != nil {
		return false, err
	}
	kept := make([]Subscription, 0, len(data.Subscriptions))
	for _, sub := range data.Subscriptions {
		if sub.Endpoint != endpoint {
			kept = append(kept, sub)
		}
	}
	if len(kept) == len(data.Subscriptions) {
		return false, nil
	}
	data.Subscriptions = kept
	return true, s.writeLocked(data)
}

func (s *SubscriptionStore) readLocked() (*subscriptionFile, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &subscriptionFile{Subscriptions: []Subscription{}}, nil
		}
		return nil, fmt.Errorf("read push subscriptions: %w", err)
	}
	var data subscriptionFile
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse push subscriptions: %w", err)
	}
	if data.Subscriptions == nil {
		data.Subscriptions = []Subscription{}
	}
	return &data, nil
}

func (s *SubscriptionStore) writeLocked(data *subscriptionFile) error {
	data.UpdatedAt = time.Now().UTC()
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal push subscriptions: %w", err)
	}
	if err := project.WriteFileAtomic(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("write push subscriptions: %w", err)
	}
	return nil
}

// Sender delivers one encrypted payload to one subscription and returns the
// gateway's HTTP status.
type Sender interface {
	Send(ctx context.Context, payload []byte, sub Subscription) (int, error)
}

// VAPIDSender signs requests with a VAPID keypair.
type VAPIDSender struct {
	Subject    string
	PublicKey  string
	PrivateKey string
	Client     *http.Client
}

func (v *VAPIDSender) Send(ctx context.Context, payload []byte, sub Subscription) (int, error) {
	sub = sub.normalize()
	client := v.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256DH,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      client,
		Subscriber:      v.Subject,
		VAPIDPublicKey:  v.PublicKey,
		VAPIDPrivateKey: v.PrivateKey,
		TTL:             3600,
	})
	status := 0
	if resp != nil {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		status = resp.StatusCode
	}
	if err != nil {
		return status, err
	}
	if status >= 400 {
		return status, fmt.Errorf("push gateway status %d", status)
	}
	return status, nil
}

// PushMessage is the JSON payload the service worker receives.
type PushMessage struct {
	Title              string `json:"title"`
	Body               string `json:"body"`
	Tag                string `json:"tag,omitempty"`
	PaneID             string `json:"paneId,omitempty"`
	Kind               string `json:"kind,omitempty"`
	Timestamp          string `json:"timestamp"`
	RequireInteraction bool   `json:"requireInteraction,omitempty"`
}

// NewPushMessage builds the payload for n.
func NewPushMessage(n Notification) PushMessage {
	at := n.At
	if at.IsZero() {
		at = time.Now()
	}
	return PushMessage{
		Title:              n.Title,
		Body:               n.Message,
		Tag:                "crewpilot-" + n.Key(),
		PaneID:             n.PaneID,
		Kind:               string(n.Kind),
		Timestamp:          at.UTC().Format(time.RFC3339),
		RequireInteraction: n.Kind == KindQuestion || n.Kind == KindDead,
	}
}

// WebPushSink sends every notification to every stored subscription.
type WebPushSink struct {
	store  *SubscriptionStore
	sender Sender
}

// NewWebPushSink returns a sink over store using sender.
func NewWebPushSink(store *SubscriptionStore, sender Sender) *WebPushSink {
	return &WebPushSink{store: store, sender: sender}
}

func (w *WebPushSink) Name() string { return "push" }

func (w *WebPushSink) Send(ctx context.Context, n Notification) error {
	subs, err := w.store.List()
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}
	payload, err := json.Marshal(NewPushMessage(n))
	if err != nil {
		return fmt.Errorf("marshal push message: %w", err)
	}

	var failed int
	for _, sub := range subs {
		status, err := w.sender.Send(ctx, payload, sub)
		if err == nil {
			notifyLog.Debug("push_sent",
				slog.String("endpoint", endpointForLog(sub.Endpoint)),
				slog.Int("http_status", status))
			continue
		}
		failed++
		notifyLog.Warn("push_send_failed",
			slog.String("endpoint", endpointForLog(sub.Endpoint)),
			slog.Int("http_status", status),
			slog.String("error", err.Error()))
		if status == http.StatusGone || status == http.StatusNotFound {
			if _, rmErr := w.store.Remove(sub.Endpoint); rmErr == nil {
				notifyLog.Info("push_subscription_pruned",
					slog.String("endpoint", endpointForLog(sub.Endpoint)))
			}
		}
	}
	if failed == len(subs) {
		return fmt.Errorf("push delivery failed for all %d subscriptions", failed)
	}
	return nil
}

func endpointForLog(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err == nil && u.Host != "" {
		return u.Host
	}
	endpoint = strings.TrimSpace(endpoint)
	if len(endpoint) <= 48 {
		return endpoint
	}
	return endpoint[:48] + "..."
}

// VAPIDKeys is the persisted keypair.
type VAPIDKeys struct {
	PublicKey  string    `json:"publicKey"`
	PrivateKey string    `json:"privateKey"`
	Subject    string    `json:"subject,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

var generateVAPIDKeys = webpush.GenerateVAPIDKeys

// EnsureVAPIDKeys loads the keypair at path, generating and saving a new one
// when the file does not exist. generated reports which happened.
func EnsureVAPIDKeys(path, subject string) (keys VAPIDKeys, generated bool, err error) {
	subject = strings.TrimSpace(subject)
	loaded, err := LoadVAPIDKeys(path)
	if err == nil {
		if subject != "" && loaded.Subject != subject {
			loaded.Subject = subject
			loaded.UpdatedAt = time.Now().UTC()
			if err := writeVAPIDKeys(path, loaded); err != nil {
				return VAPIDKeys{}, false, err
			}
		}
		return loaded, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return VAPIDKeys{}, false, err
	}

	privateKey, publicKey, err := generateVAPIDKeys()
	if err != nil {
		return VAPIDKeys{}, false, fmt.Errorf("generate vapid keypair: %w", err)
	}
	now := time.Now().UTC()
	keys = VAPIDKeys{
		PublicKey:  strings.TrimSpace(publicKey),
		PrivateKey: strings.TrimSpace(privateKey),
		Subject:    subject,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := writeVAPIDKeys(path, keys); err != nil {
		return VAPIDKeys{}, false, err
	}
	return keys, true, nil
}

// LoadVAPIDKeys reads an existing keypair. A missing file yields an error
// matching os.ErrNotExist.
func LoadVAPIDKeys(path string) (VAPIDKeys, error) {
	var keys VAPIDKeys
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return keys, err
		}
		return keys, fmt.Errorf("read vapid keys file: %w", err)
	}
	if err := json.Unmarshal(raw, &keys); err != nil {
		return keys, fmt.Errorf("parse vapid keys file: %w", err)
	}
	keys.PublicKey = strings.TrimSpace(keys.PublicKey)
	keys.PrivateKey = strings.TrimSpace(keys.PrivateKey)
	keys.Subject = strings.TrimSpace(keys.Subject)
	if keys.PublicKey == "" || keys.PrivateKey == "" {
		return keys, fmt.Errorf("vapid keys file is missing required keys")
	}
	return keys, nil
}

func writeVAPIDKeys(path string, keys VAPIDKeys) error {
	raw, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal vapid keys: %w", err)
	}
	if err := project.WriteFileAtomic(path, raw, 0o600); err != nil {
		return fmt.Errorf("write vapid keys: %w", err)
	}
	return nil
}
