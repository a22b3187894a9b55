package sqlite

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/cellmesh/cellmesh/internal/storage"
)

// RepairResult reports what RepairStaleEmbeddings did.
type RepairResult struct {
	Repaired int `json:"repaired"`
	Removed  int `json:"removed"`
}

// RepairStaleEmbeddings finds memory rows whose embedding is NULL and
// re-embeds them through the supplied embedder. With no embedder
// available the rows are deleted rather than left to stall every
// downstream vector query.
func (d *DB) RepairStaleEmbeddings(ctx context.Context, embedder storage.Embedder) (RepairResult, error) {
	var result RepairResult

	rows, err := d.db.QueryContext(ctx, `SELECT id, content FROM memories WHERE embedding IS NULL`)
	if err != nil {
		return result, wrapDBError("scan stale embeddings", err)
	}
	type stale struct {
		id      int64
		content string
	}
	var pending []stale
	for rows.Next() {
		var s stale
		if err := rows.Scan(&s.id, &s.content); err != nil {
			rows.Close()
			return result, wrapDBError("scan stale embedding row", err)
		}
		pending = append(pending, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return result, wrapDBError("iterate stale embeddings", err)
	}

	for _, s := range pending {
		if embedder == nil {
			if _, err := d.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, s.id); err != nil {
				return result, wrapDBError("remove stale memory", err)
			}
			result.Removed++
			continue
		}
		vec, err := embedder.Embed(ctx, s.content)
		if err != nil {
			// The embedder is an external collaborator; a failed call
			// degrades to the no-embedder path for this row.
			if _, delErr := d.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, s.id); delErr != nil {
				return result, wrapDBError("remove unembeddable memory", delErr)
			}
			result.Removed++
			continue
		}
		if _, err := d.db.ExecContext(ctx,
			`UPDATE memories SET embedding = ? WHERE id = ?`, encodeVector(vec), s.id); err != nil {
			return result, wrapDBError("store repaired embedding", err)
		}
		result.Repaired++
	}
	return result, nil
}

// encodeVector packs a float32 vector as little-endian bytes, the layout
// sqlite-vec and friends expect for BLOB-stored embeddings.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
