// Package firestore implements the store.KV capability on Google Cloud
// Firestore. Each key is one document in a collection; the serialized value
// lives in a single string field.
package firestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/aixgo-dev/personachat/pkg/store"
)

// DefaultCollection is used when no collection name is configured.
const DefaultCollection = "personachat_documents"

// Config contains configuration for the Firestore backend.
type Config struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
	// Collection holds one document per key.
	Collection string `yaml:"collection"`
	// Namespace scopes the documents, typically a user id.
	Namespace string `yaml:"namespace"`
}

// KV stores documents in Firestore.
type KV struct {
	client     *firestore.Client
	collection string
	namespace  string
	mu         sync.RWMutex
	closed     bool
}

type document struct {
	Value     string    `firestore:"value"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

// New creates a Firestore-backed KV.
// Uses Application Default Credentials unless a credentials file is given.
func New(ctx context.Context, cfg Config) (*KV, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project ID is required for Firestore store")
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	return NewFromClient(client, cfg.Collection, cfg.Namespace), nil
}

// NewFromClient wraps an existing client (for example one pointed at the emulator).
func NewFromClient(client *firestore.Client, collection, namespace string) *KV {
	if collection == "" {
		collection = DefaultCollection
	}
	return &KV{
		client:     client,
		collection: collection,
		namespace:  namespace,
	}
}

func (k *KV) doc(key string) *firestore.DocumentRef {
	id := key
	if k.namespace != "" {
		id = k.namespace + "__" + key
	}
	return k.client.Collection(k.collection).Doc(id)
}

func (k *KV) isClosed() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.closed
}

// Get returns the value stored under key.
func (k *KV) Get(ctx context.Context, key string) (string, error) {
	if k.isClosed() {
		return "", store.ErrClosed
	}

	snap, err := k.doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", store.ErrNotFound
		}
		return "", fmt.Errorf("firestore get %s: %w", key, err)
	}

	var d document
	if err := snap.DataTo(&d); err != nil {
		return "", fmt.Errorf("firestore decode %s: %w", key, err)
	}
	return d.Value, nil
}

// Set overwrites the document stored under key.
func (k *KV) Set(ctx context.Context, key, value string) error {
	if k.isClosed() {
		return store.ErrClosed
	}

	_, err := k.doc(key).Set(ctx, document{Value: value, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("firestore set %s: %w", key, err)
	}
	return nil
}

// Close closes the Firestore client.
func (k *KV) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return nil
	}
	k.closed = true
	return k.client.Close()
}
