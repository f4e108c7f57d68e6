package pgvector

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvec "github.com/pgvector/pgvector-go"

	"github.com/yungbote/querybridge-backend/internal/domain"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
	"github.com/yungbote/querybridge-backend/internal/store"
)

var tableNameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Store keeps chunks in a single Postgres table: pgvector cosine search for
// the vector branch, a generated tsvector column with ts_rank_cd for the
// keyword branch. Both branches share the same rows, so the two searches can
// never disagree about visibility.
type Store struct {
	log   *logger.Logger
	pool  *pgxpool.Pool
	table string
	dim   int
}

func New(log *logger.Logger, pool *pgxpool.Pool, table string, dim int) (*Store, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if pool == nil {
		return nil, fmt.Errorf("pgx pool required")
	}
	if table == "" {
		table = "qb_chunks"
	}
	if !tableNameRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if dim <= 0 {
		return nil, fmt.Errorf("vector dimension must be positive")
	}
	return &Store{
		log:   log.With("service", "PgvectorStore"),
		pool:  pool,
		table: table,
		dim:   dim,
	}, nil
}

func (s *Store) Name() string { return "pgvector" }

const hitColumns = `id, tenant, acl, lang, doc_id, section_path,
	COALESCE(headers, '{}'), COALESCE(url, ''), COALESCE(ts, 0),
	seq, part_total, COALESCE(core_tokens, '{}'), custom, content`

func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			tenant TEXT NOT NULL,
			acl TEXT[] NOT NULL,
			lang TEXT NOT NULL DEFAULT '',
			doc_id TEXT NOT NULL,
			section_path TEXT NOT NULL DEFAULT '',
			headers TEXT[],
			url TEXT,
			ts BIGINT,
			seq INT NOT NULL DEFAULT 0,
			part_total INT NOT NULL DEFAULT 0,
			core_tokens TEXT[],
			custom JSONB,
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			tsv tsvector GENERATED ALWAYS AS (to_tsvector('english', content)) STORED
		)`, s.table, s.dim),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_tenant_doc_idx ON %s (tenant, doc_id)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_section_idx ON %s (tenant, doc_id, section_path, seq)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_acl_idx ON %s USING GIN (acl)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_tsv_idx ON %s USING GIN (tsv)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding vector_cosine_ops)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// filterSQL renders the mandatory predicate. It appends to args and returns
// the WHERE fragment; $1.. numbering continues from the existing args.
func filterSQL(f store.Filter, args *[]any) string {
	var b strings.Builder

	*args = append(*args, f.Tenant)
	fmt.Fprintf(&b, "tenant = $%d", len(*args))

	*args = append(*args, f.Principals)
	fmt.Fprintf(&b, " AND acl && $%d", len(*args))

	if len(f.Langs) > 0 {
		*args = append(*args, f.Langs)
		fmt.Fprintf(&b, " AND (lang = '' OR lang = ANY($%d))", len(*args))
	}
	if f.DocID != "" {
		*args = append(*args, f.DocID)
		fmt.Fprintf(&b, " AND doc_id = $%d", len(*args))
	}
	if f.SectionPath != "" {
		*args = append(*args, f.SectionPath)
		fmt.Fprintf(&b, " AND section_path = $%d", len(*args))
	}
	return b.String()
}

func (s *Store) VectorSearch(ctx context.Context, vector []float32, f store.Filter, topK int) ([]store.Hit, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector required")
	}
	if len(vector) != s.dim {
		return nil, fmt.Errorf("query vector dimension mismatch: expected=%d got=%d", s.dim, len(vector))
	}
	if topK <= 0 {
		topK = 20
	}

	args := []any{pgvec.NewVector(vector)}
	where := filterSQL(f, &args)
	args = append(args, topK)
	sql := fmt.Sprintf(`SELECT %s, 1 - (embedding <=> $1) AS score
		FROM %s WHERE %s
		ORDER BY embedding <=> $1
		LIMIT $%d`, hitColumns, s.table, where, len(args))

	return s.queryHits(ctx, f, sql, args)
}

func (s *Store) KeywordSearch(ctx context.Context, terms []store.QueryTerm, f store.Filter, topK int) ([]store.Hit, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	tsq := buildTSQuery(terms)
	if tsq == "" {
		return nil, nil
	}
	if topK <= 0 {
		topK = 20
	}

	args := []any{tsq}
	where := filterSQL(f, &args)
	args = append(args, topK)
	sql := fmt.Sprintf(`SELECT %s,
			ts_rank_cd(tsv, to_tsquery('english', $1)) AS score
		FROM %s
		WHERE %s AND tsv @@ to_tsquery('english', $1)
		ORDER BY score DESC
		LIMIT $%d`, hitColumns, s.table, where, len(args))

	hits, err := s.queryHits(ctx, f, sql, args)
	if err != nil {
		return nil, err
	}
	// ts_rank_cd is unbounded; squash into (0,1) so fusion sees comparable
	// branch scores regardless of provider.
	for i := range hits {
		hits[i].Score = hits[i].Score / (1 + hits[i].Score)
	}
	return hits, nil
}

// buildTSQuery renders analyzer terms as an OR tsquery; phrase terms use the
// adjacency operator. Lexemes are stripped to word characters, which also
// keeps user input out of tsquery syntax.
func buildTSQuery(terms []store.QueryTerm) string {
	clean := func(s string) string {
		var b strings.Builder
		for _, r := range strings.ToLower(s) {
			if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
				b.WriteRune(r)
			} else if r == ' ' {
				b.WriteRune(' ')
			}
		}
		return strings.TrimSpace(b.String())
	}
	parts := make([]string, 0, len(terms))
	for _, t := range terms {
		term := clean(t.Term)
		if term == "" {
			continue
		}
		words := strings.Fields(term)
		if t.Phrase && len(words) > 1 {
			parts = append(parts, "("+strings.Join(words, " <-> ")+")")
			continue
		}
		parts = append(parts, words...)
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, " | ")
}

func (s *Store) FetchByIDs(ctx context.Context, ids []string, f store.Filter) ([]store.Hit, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	args := []any{ids}
	where := filterSQL(f, &args)
	sql := fmt.Sprintf(`SELECT %s, 0::float8 AS score
		FROM %s WHERE id::text = ANY($1) AND %s`, hitColumns, s.table, where)
	return s.queryHits(ctx, f, sql, args)
}

// FetchSection returns the subtree of (docID, sectionPath): the exact path
// plus any materialized child paths like base/part_3. Ordered by ingest
// sequence, then path, so multi-part sections come back in part order.
func (s *Store) FetchSection(ctx context.Context, docID, sectionPath string, f store.Filter, limit int) ([]store.Hit, error) {
	scoped := f
	scoped.DocID = docID
	if err := scoped.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 32
	}
	var args []any
	where := filterSQL(scoped, &args)
	args = append(args, sectionPath)
	eq := len(args)
	args = append(args, likeEscape(sectionPath)+"/%")
	prefix := len(args)
	args = append(args, limit)
	sql := fmt.Sprintf(`SELECT %s, 0::float8 AS score
		FROM %s WHERE %s AND (section_path = $%d OR section_path LIKE $%d)
		ORDER BY seq ASC, section_path ASC, id ASC
		LIMIT $%d`, hitColumns, s.table, where, eq, prefix, len(args))
	return s.queryHits(ctx, scoped, sql, args)
}

func likeEscape(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `%`, `\%`)
	return strings.ReplaceAll(v, `_`, `\_`)
}

func (s *Store) UpsertChunks(ctx context.Context, chunks []store.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	sql := fmt.Sprintf(`INSERT INTO %s
		(id, tenant, acl, lang, doc_id, section_path, headers, url, ts, seq, part_total, core_tokens, custom, content, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			tenant = EXCLUDED.tenant,
			acl = EXCLUDED.acl,
			lang = EXCLUDED.lang,
			doc_id = EXCLUDED.doc_id,
			section_path = EXCLUDED.section_path,
			headers = EXCLUDED.headers,
			url = EXCLUDED.url,
			ts = EXCLUDED.ts,
			seq = EXCLUDED.seq,
			part_total = EXCLUDED.part_total,
			core_tokens = EXCLUDED.core_tokens,
			custom = EXCLUDED.custom,
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding`, s.table)

	batch := &pgx.Batch{}
	for _, c := range chunks {
		if len(c.Vector) != s.dim {
			return fmt.Errorf("chunk dimension mismatch: expected=%d got=%d", s.dim, len(c.Vector))
		}
		if c.Payload.Tenant == "" || c.Payload.DocID == "" {
			return fmt.Errorf("chunk payload requires tenant and docId")
		}
		id := strings.TrimSpace(c.ID)
		if id == "" {
			id = store.ChunkID(c.Payload)
		}
		batch.Queue(sql,
			id, c.Payload.Tenant, c.Payload.ACL, c.Payload.Lang,
			c.Payload.DocID, c.Payload.SectionPath, c.Payload.Headers,
			nullable(c.Payload.URL), c.Payload.Timestamp, c.Payload.Seq,
			c.Payload.PartTotal, c.Payload.CoreTokens,
			nullableMap(c.Payload.Custom), c.Content,
			pgvec.NewVector(c.Vector),
		)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range chunks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert chunk: %w", err)
		}
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableMap(m map[string]any) any {
	if len(m) == 0 {
		return nil
	}
	return m
}

func (s *Store) DeleteByDocID(ctx context.Context, tenant, docID string) (int, error) {
	if tenant == "" || docID == "" {
		return 0, fmt.Errorf("tenant and docId required")
	}
	sql := fmt.Sprintf(`DELETE FROM %s WHERE tenant = $1 AND doc_id = $2`, s.table)
	tag, err := s.pool.Exec(ctx, sql, tenant, docID)
	if err != nil {
		return 0, fmt.Errorf("delete by doc: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) SampleChunks(ctx context.Context, limit int) ([]domain.ChunkSample, error) {
	if limit <= 0 {
		limit = 2000
	}
	sql := fmt.Sprintf(`SELECT doc_id, COALESCE(headers[1], ''), content
		FROM %s ORDER BY random() LIMIT $1`, s.table)
	rows, err := s.pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, fmt.Errorf("sample chunks: %w", err)
	}
	defer rows.Close()

	var out []domain.ChunkSample
	for rows.Next() {
		var sample domain.ChunkSample
		if err := rows.Scan(&sample.DocID, &sample.Title, &sample.Content); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		out = append(out, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sample chunks: %w", err)
	}
	return out, nil
}

func (s *Store) Ready(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("pgvector ping: %w", err)
	}
	sql := fmt.Sprintf(`SELECT 1 FROM %s LIMIT 1`, s.table)
	if _, err := s.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("pgvector table check: %w", err)
	}
	return nil
}

func (s *Store) queryHits(ctx context.Context, f store.Filter, sql string, args []any) ([]store.Hit, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var hits []store.Hit
	for rows.Next() {
		hit, err := scanHit(rows)
		if err != nil {
			return nil, err
		}
		// The predicate is already in the SQL; verify anyway.
		if !f.Allows(hit.Payload) {
			continue
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	return hits, nil
}

func scanHit(rows pgx.Rows) (store.Hit, error) {
	var (
		hit store.Hit
		p   domain.Payload
	)
	err := rows.Scan(
		&hit.ID, &p.Tenant, &p.ACL, &p.Lang, &p.DocID, &p.SectionPath,
		&p.Headers, &p.URL, &p.Timestamp, &p.Seq, &p.PartTotal,
		&p.CoreTokens, &p.Custom, &hit.Content, &hit.Score,
	)
	if err != nil {
		return store.Hit{}, fmt.Errorf("scan chunk: %w", err)
	}
	p.Lang = strings.TrimSpace(p.Lang)
	hit.DocID = p.DocID
	hit.Payload = p
	return hit, nil
}
