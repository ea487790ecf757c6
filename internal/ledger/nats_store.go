package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"dqalarm/internal/domain"

	"github.com/nats-io/nats.go"
)

// NATSSettings configures the JetStream KV ledger bucket.
type NATSSettings struct {
	URL               []string
	Bucket            string
	History           uint8
	AllowCreateBucket bool
}

// NATSStore keeps one KV key per trigger; each revision of the key is one alert.
// Params: NATS connection and KV bucket handle.
// Returns: KV-backed ledger store. Alert ids are KV revisions.
type NATSStore struct {
	nc *nats.Conn
	kv nats.KeyValue
}

// NewNATSStore opens (or creates) the ledger bucket.
// Params: NATS settings.
// Returns: initialized store or setup error.
func NewNATSStore(settings NATSSettings) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	kv, err := js.KeyValue(settings.Bucket)
	if err != nil {
		if !settings.AllowCreateBucket {
			nc.Close()
			return nil, fmt.Errorf("open ledger bucket %q: %w", settings.Bucket, err)
		}
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      settings.Bucket,
			Description: "trigger alert ledger",
			History:     settings.History,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create ledger bucket %q: %w", settings.Bucket, err)
		}
	}
	return &NATSStore{nc: nc, kv: kv}, nil
}

// triggerKey encodes trigger ids into the KV key alphabet.
func triggerKey(triggerID string) string {
	return "trigger." + base64.RawURLEncoding.EncodeToString([]byte(triggerID))
}

// Latest reads the current key revision.
func (s *NATSStore) Latest(_ context.Context, triggerID string) (domain.Alert, uint64, error) {
	entry, err := s.kv.Get(triggerKey(triggerID))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.Alert{}, 0, ErrNotFound
		}
		return domain.Alert{}, 0, fmt.Errorf("get alert: %w", err)
	}
	alert, err := decodeEntry(entry)
	if err != nil {
		return domain.Alert{}, 0, err
	}
	return alert, entry.Revision(), nil
}

// Append creates the key for a first alert or updates it against expectedRevision.
func (s *NATSStore) Append(_ context.Context, alert domain.Alert, expectedRevision uint64) (domain.Alert, uint64, error) {
	alert.ID = 0
	body, err := json.Marshal(alert)
	if err != nil {
		return domain.Alert{}, 0, fmt.Errorf("encode alert: %w", err)
	}
	key := triggerKey(alert.TriggerID)

	var rev uint64
	if expectedRevision == 0 {
		rev, err = s.kv.Create(key, body)
	} else {
		rev, err = s.kv.Update(key, body, expectedRevision)
	}
	if err != nil {
		if isRevisionConflict(err) {
			return domain.Alert{}, 0, ErrConflict
		}
		return domain.Alert{}, 0, fmt.Errorf("write alert: %w", err)
	}
	alert.ID = rev
	return alert, rev, nil
}

// History lists retained revisions newest first. Retention is bounded by the bucket history.
func (s *NATSStore) History(_ context.Context, triggerID string, limit int) ([]domain.Alert, error) {
	entries, err := s.kv.History(triggerKey(triggerID))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("alert history: %w", err)
	}
	out := make([]domain.Alert, 0, len(entries))
	for _, entry := range entries {
		if entry.Operation() != nats.KeyValuePut {
			continue
		}
		alert, err := decodeEntry(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, alert)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Newer(out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close closes the underlying NATS connection.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}

func decodeEntry(entry nats.KeyValueEntry) (domain.Alert, error) {
	var alert domain.Alert
	if err := json.Unmarshal(entry.Value(), &alert); err != nil {
		return domain.Alert{}, fmt.Errorf("decode alert: %w", err)
	}
	alert.ID = entry.Revision()
	return alert, nil
}

func isRevisionConflict(err error) bool {
	if errors.Is(err, nats.ErrKeyExists) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "wrong last sequence")
}
