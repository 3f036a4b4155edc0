package resolver

import (
	"go.uber.org/zap"

	"github.com/ChuLiYu/fedqueue/internal/snapshot"
)

// SaveSnapshot writes the fresh cache entries to m.
func (r *Resolver) SaveSnapshot(m *snapshot.Manager) (int, error) {
	docs := r.Entries()
	data := snapshot.Data{SavedAt: r.now(), Entries: make([]snapshot.Entry, 0, len(docs))}
	for _, doc := range docs {
		data.Entries = append(data.Entries, snapshot.Entry{
			ID:        doc.ID,
			Raw:       doc.Raw,
			FetchedAt: doc.FetchedAt,
		})
	}
	if err := m.Write(data); err != nil {
		return 0, err
	}
	return len(data.Entries), nil
}

// LoadSnapshot warms the cache from m. Entries past the TTL or that no
// longer parse are skipped.
func (r *Resolver) LoadSnapshot(m *snapshot.Manager) (int, error) {
	data, err := m.Load()
	if err != nil {
		return 0, err
	}
	fresh := data.Fresh(r.cfg.TTL, r.now())
	docs := make([]*Document, 0, len(fresh))
	for _, e := range fresh {
		doc, err := ParseDocument(e.Raw)
		if err != nil {
			r.logger.Warn("skipping snapshot entry", zap.String("id", e.ID), zap.Error(err))
			continue
		}
		doc.FetchedAt = e.FetchedAt
		docs = append(docs, doc)
	}
	return r.Warm(docs), nil
}
