// Package mqtt provides a document store backed by an MQTT broker.
//
// Documents are stored as retained JSON messages on topics in the format
// "{prefix}/{collection}/{key}". Any standard MQTT broker works: the broker
// keeps the latest retained payload per topic, and every subscriber
// receives it on subscribe plus every subsequent publish, which gives the
// push-notification semantics the repositories expect. An empty retained
// payload is a tombstone marking the document as absent.
//
// The read-modify-write primitives (Update, ArrayAdd, ArrayRemove) are
// serialized by a local mutex only. That is sound under a single logical
// writer per document; concurrent writers on different devices can lose
// updates, exactly like whole-array overwrite against any backend without
// transactions.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/kabili207/contactbook-go/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

const (
	// DefaultTopicPrefix is the default MQTT topic prefix for documents.
	DefaultTopicPrefix = "contactbook"

	// DefaultReadTimeout is how long a read waits for a retained message
	// before treating the document as absent.
	DefaultReadTimeout = 5 * time.Second

	tokenTimeout = 10 * time.Second
)

// Config holds the configuration for an MQTT document store.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://broker.example.com:1883").
	Broker string
	// Username for MQTT authentication. Leave empty if not required.
	Username string
	// Password for MQTT authentication. Leave empty if not required.
	Password string
	// UseTLS enables TLS for the MQTT connection.
	UseTLS bool
	// ClientID is the MQTT client identifier. If empty, a random one is generated.
	ClientID string
	// TopicPrefix is the MQTT topic prefix (default: "contactbook").
	TopicPrefix string
	// ReadTimeout bounds how long reads wait for a retained message
	// (default: DefaultReadTimeout).
	ReadTimeout time.Duration
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Store implements store.Store over MQTT retained messages.
//
// The paho client allows one handler per topic filter, so the store keeps
// a single broker subscription per document topic and fans messages out to
// every attached reader and subscription. The last payload seen on a topic
// is cached; it is always current because the broker pushes every change
// back to this client.
type Store struct {
	cfg    Config
	client paho.Client
	log    *slog.Logger

	mu        sync.RWMutex
	connected bool
	routes    map[string]*route

	// writeMu serializes read-modify-write mutations.
	writeMu sync.Mutex
}

type retained struct {
	doc    store.Document
	exists bool
}

type route struct {
	handlers map[string]store.ChangeHandler
	last     *retained
}

// New creates a new MQTT document store with the given configuration.
func New(cfg Config) *Store {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Store{
		cfg:    cfg,
		log:    cfg.Logger.WithGroup("mqttstore"),
		routes: make(map[string]*route),
	}
}

// Start connects to the MQTT broker.
func (s *Store) Start(ctx context.Context) error {
	if s.cfg.Broker == "" {
		return errors.New("broker URL is required")
	}

	clientID := s.cfg.ClientID
	if clientID == "" {
		clientID = "contactbook-" + randomString(16)
	}

	opts := paho.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOnConnectHandler(s.onConnected).
		SetConnectionLostHandler(s.onConnectionLost)

	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
	}
	if s.cfg.Password != "" {
		opts.SetPassword(s.cfg.Password)
	}
	if s.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}

	s.client = paho.NewClient(opts)

	token := s.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return errors.New("connection timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("connecting to broker: %w", token.Error())
	}
	return nil
}

// Stop gracefully disconnects from the MQTT broker. Active subscriptions
// stop receiving changes.
func (s *Store) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		s.client.Disconnect(1000)
		s.connected = false
	}
	return nil
}

// IsConnected returns true if the store is connected to the broker.
func (s *Store) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected && s.client != nil && s.client.IsConnected()
}

// Get reads a document once. The first read of a topic waits for the
// broker to replay the retained message; later reads on a topic with an
// active route are served from the pushed state, which the broker keeps
// current. A missing or tombstoned payload means store.ErrNotFound.
func (s *Store) Get(ctx context.Context, collection, key string) (store.Document, error) {
	if !s.IsConnected() {
		return nil, errors.New("not connected")
	}

	topic := s.topic(collection, key)
	ch := make(chan retained, 1)
	id, last, err := s.attach(topic, func(doc store.Document, exists bool) {
		select {
		case ch <- retained{doc: doc, exists: exists}:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer s.detach(topic, id)

	if last != nil {
		return docOrNotFound(*last)
	}

	timer := time.NewTimer(s.cfg.ReadTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return docOrNotFound(r)
	case <-timer.C:
		// No retained message: the document has never been written.
		return nil, store.ErrNotFound
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Set overwrites the whole document by publishing a retained message.
func (s *Store) Set(ctx context.Context, collection, key string, doc store.Document) error {
	norm, err := store.NormalizeDocument(doc)
	if err != nil {
		return err
	}
	return s.publish(collection, key, norm)
}

// Update merges fields into the current document and writes it back.
func (s *Store) Update(ctx context.Context, collection, key string, fields store.Document) error {
	norm, err := store.NormalizeDocument(fields)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	doc, err := s.Get(ctx, collection, key)
	if errors.Is(err, store.ErrNotFound) {
		doc = store.Document{}
	} else if err != nil {
		return err
	}
	for k, v := range norm {
		doc[k] = v
	}
	return s.publish(collection, key, doc)
}

// ArrayAdd appends element to the named array field unless a deep-equal
// element is already present.
func (s *Store) ArrayAdd(ctx context.Context, collection, key, field string, element any) error {
	elem, err := store.Normalize(element)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	doc, err := s.Get(ctx, collection, key)
	if errors.Is(err, store.ErrNotFound) {
		doc = store.Document{}
	} else if err != nil {
		return err
	}

	arr, _ := doc[field].([]any)
	for _, existing := range arr {
		if store.ValueEqual(existing, elem) {
			return nil
		}
	}
	doc[field] = append(arr, elem)
	return s.publish(collection, key, doc)
}

// ArrayRemove removes every element of the named array field deep-equal to
// element. No-op if the document, field, or element is absent.
func (s *Store) ArrayRemove(ctx context.Context, collection, key, field string, element any) error {
	elem, err := store.Normalize(element)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	doc, err := s.Get(ctx, collection, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}

	arr, _ := doc[field].([]any)
	kept := make([]any, 0, len(arr))
	removed := false
	for _, existing := range arr {
		if store.ValueEqual(existing, elem) {
			removed = true
			continue
		}
		kept = append(kept, existing)
	}
	if !removed {
		return nil
	}
	doc[field] = kept
	return s.publish(collection, key, doc)
}

// Subscribe opens a push subscription on a document topic. The broker
// replays the retained message, so onChange fires with the current state
// first; if nothing arrives within ReadTimeout the document is reported
// as absent.
func (s *Store) Subscribe(ctx context.Context, collection, key string, onChange store.ChangeHandler, onError store.ErrorHandler) (store.Subscription, error) {
	if !s.IsConnected() {
		return nil, errors.New("not connected")
	}

	topic := s.topic(collection, key)
	sub := &subscription{store: s, topic: topic}

	received := make(chan struct{}, 1)
	id, last, err := s.attach(topic, func(doc store.Document, exists bool) {
		select {
		case received <- struct{}{}:
		default:
		}
		if sub.isClosed() {
			return
		}
		onChange(doc, exists)
	})
	if err != nil {
		return nil, err
	}
	sub.id = id

	if last != nil {
		// Joined an existing route: the broker will not replay the
		// retained message, so deliver the cached state ourselves.
		go func() {
			select {
			case received <- struct{}{}:
			default:
			}
			if !sub.isClosed() {
				onChange(last.doc, last.exists)
			}
		}()
	} else {
		// A topic with no retained message never fires the handler, so
		// report the missing document after the read timeout.
		go func() {
			timer := time.NewTimer(s.cfg.ReadTimeout)
			defer timer.Stop()
			select {
			case <-received:
			case <-timer.C:
				if !sub.isClosed() {
					onChange(nil, false)
				}
			case <-ctx.Done():
			}
		}()
	}

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			sub.Unsubscribe()
		}()
	}

	s.log.Debug("subscribed to document topic", "topic", topic)
	return sub, nil
}

// attach registers a handler for a document topic, creating the broker
// subscription on first attach. Returns the handler id and, when joining
// an existing route, the last payload seen.
func (s *Store) attach(topic string, fn store.ChangeHandler) (string, *retained, error) {
	id := uuid.NewString()

	s.mu.Lock()
	rt, ok := s.routes[topic]
	if ok {
		rt.handlers[id] = fn
		last := rt.last
		s.mu.Unlock()
		return id, last, nil
	}
	rt = &route{handlers: map[string]store.ChangeHandler{id: fn}}
	s.routes[topic] = rt
	s.mu.Unlock()

	token := s.client.Subscribe(topic, 1, s.handleMessage)
	if !token.WaitTimeout(tokenTimeout) {
		s.detach(topic, id)
		return "", nil, errors.New("timeout subscribing")
	}
	if err := token.Error(); err != nil {
		s.detach(topic, id)
		return "", nil, fmt.Errorf("subscribing: %w", err)
	}
	return id, nil, nil
}

func (s *Store) detach(topic, id string) {
	s.mu.Lock()
	rt, ok := s.routes[topic]
	if ok {
		delete(rt.handlers, id)
		if len(rt.handlers) > 0 {
			s.mu.Unlock()
			return
		}
		delete(s.routes, topic)
	}
	client := s.client
	s.mu.Unlock()

	if ok && client != nil {
		client.Unsubscribe(topic)
	}
}

func (s *Store) handleMessage(_ paho.Client, msg paho.Message) {
	doc, exists, err := decodePayload(msg.Payload())
	if err != nil {
		s.log.Debug("discarding malformed document payload", "topic", msg.Topic(), "error", err)
		return
	}

	s.mu.Lock()
	rt, ok := s.routes[msg.Topic()]
	if !ok {
		s.mu.Unlock()
		return
	}
	rt.last = &retained{doc: doc, exists: exists}
	handlers := make([]store.ChangeHandler, 0, len(rt.handlers))
	for _, fn := range rt.handlers {
		handlers = append(handlers, fn)
	}
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(store.CloneDocument(doc), exists)
	}
}

func (s *Store) topic(collection, key string) string {
	return s.cfg.TopicPrefix + "/" + collection + "/" + key
}

func (s *Store) publish(collection, key string, doc store.Document) error {
	if !s.IsConnected() {
		return errors.New("not connected")
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}

	token := s.client.Publish(s.topic(collection, key), 1, true, payload)
	if !token.WaitTimeout(tokenTimeout) {
		return errors.New("timeout publishing document")
	}
	return token.Error()
}

func (s *Store) onConnected(_ paho.Client) {
	s.mu.Lock()
	s.connected = true
	topics := make([]string, 0, len(s.routes))
	for topic := range s.routes {
		topics = append(topics, topic)
	}
	s.mu.Unlock()

	// Clean sessions lose subscriptions across reconnects.
	for _, topic := range topics {
		s.client.Subscribe(topic, 1, s.handleMessage)
	}
	s.log.Info("connected to MQTT broker", "broker", s.cfg.Broker)
}

func (s *Store) onConnectionLost(_ paho.Client, err error) {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	s.log.Error("MQTT connection lost", "error", err)
}

func docOrNotFound(r retained) (store.Document, error) {
	if !r.exists {
		return nil, store.ErrNotFound
	}
	return store.CloneDocument(r.doc), nil
}

func decodePayload(payload []byte) (store.Document, bool, error) {
	if len(payload) == 0 {
		return nil, false, nil // tombstone
	}
	var doc store.Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, false, fmt.Errorf("decoding document: %w", err)
	}
	return doc, true, nil
}

type subscription struct {
	store *Store
	topic string
	id    string

	mu     sync.Mutex
	closed bool
}

func (sub *subscription) isClosed() bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.closed
}

// Unsubscribe stops change delivery and releases the broker subscription
// when no other handler needs the topic. Safe to call more than once.
func (sub *subscription) Unsubscribe() {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	sub.mu.Unlock()

	sub.store.detach(sub.topic, sub.id)
}

func randomString(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}
