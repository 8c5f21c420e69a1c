package vectorizer

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/emergent-company/vectorizer/pkg/logger"
	"github.com/emergent-company/vectorizer/pkg/pgutils"
)

const (
	// MaxAttempts is the number of claims a queue entry gets before it moves
	// to the dead-letter table.
	MaxAttempts = 6

	// BackoffBase is the delay after the first failed attempt.
	BackoffBase = 30 * time.Second

	// BackoffCap bounds the exponential backoff.
	BackoffCap = 30 * time.Minute
)

// Backoff returns the retry delay after the given attempt count: exponential
// with a ±25% jitter, so that retry_after stays strictly increasing across
// attempts while herds of failing rows spread out.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := BackoffBase << (attempts - 1)
	if d > BackoffCap || d <= 0 {
		d = BackoffCap
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}

// pgxQuerier is the subset of pgx.Tx / pgxpool.Pool the queue protocol needs.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ClaimedRow is one source row claimed for embedding. Row holds the current
// source column values; a nil Row means the source row was deleted after the
// queue entry was written (a tombstone) and only the stale embedding-store
// rows need removing.
type ClaimedRow struct {
	PK       []any
	Attempts int
	Row      map[string]any
}

// Queue implements the per-vectorizer work queue protocol: claim with
// advisory-lock discipline, debounce collapse, success removal, and
// requeue-or-dead-letter on failure.
//
// Claim and Succeed operate on the executor's batch transaction so that the
// transaction-scoped advisory locks are released on commit or rollback.
// RequeueWithBackoff runs its own short transaction because it is called
// after the batch transaction has already been rolled back.
type Queue struct {
	v   *Vectorizer
	log *slog.Logger
}

// NewQueue creates the queue protocol for one vectorizer.
func NewQueue(v *Vectorizer, log *slog.Logger) *Queue {
	return &Queue{
		v:   v,
		log: log.With(logger.Scope("vectorizer.queue"), slog.Int("vectorizer_id", v.ID)),
	}
}

func (q *Queue) queueTable() string {
	return pgutils.QualifiedTable(q.v.QueueSchema, q.v.QueueTable)
}

func (q *Queue) failedTable() string {
	return pgutils.QualifiedTable(q.v.QueueSchema, q.v.QueueFailedTable)
}

func (q *Queue) sourceTable() string {
	return pgutils.QualifiedTable(q.v.SourceSchema, q.v.SourceTable)
}

func (q *Queue) targetTable() string {
	return pgutils.QualifiedTable(q.v.TargetSchema, q.v.TargetTable)
}

// pkKey flattens a PK tuple into the deterministic text form used both as a
// map key and as the hashtext() input for advisory locking. The separator is
// escaped inside values so distinct tuples never collapse to the same key.
func pkKey(pk []any) string {
	parts := make([]string, len(pk))
	for i, v := range pk {
		s := fmt.Sprint(v)
		s = strings.ReplaceAll(s, `\`, `\\`)
		s = strings.ReplaceAll(s, "|", `\|`)
		parts[i] = s
	}
	return strings.Join(parts, "|")
}

// pkPredicate renders "alias.col1 = $n AND alias.col2 = $n+1" for a composite
// key, appending the PK values to args. Returns the predicate and updated args.
func (q *Queue) pkPredicate(alias string, pk []any, args []any) (string, []any) {
	conds := make([]string, len(q.v.SourcePK))
	for i, attr := range q.v.SourcePK {
		args = append(args, pk[i])
		col := pgutils.QuoteIdent(attr.Name)
		if alias != "" {
			col = alias + "." + col
		}
		conds[i] = fmt.Sprintf("%s = $%d", col, len(args))
	}
	return strings.Join(conds, " AND "), args
}

// claimCandidatesSQL selects claimable queue entries FIFO by queued_at,
// skipping rows other transactions already hold.
func (q *Queue) claimCandidatesSQL() string {
	return fmt.Sprintf(
		`SELECT %s, ctid::text
		 FROM %s
		 WHERE retry_after IS NULL OR retry_after <= now()
		 ORDER BY queued_at
		 FOR UPDATE SKIP LOCKED
		 LIMIT $1`,
		pgutils.IdentList(q.v.PKColumns(), ""), q.queueTable())
}

// loadSQL left-joins the locked PK tuples to the source table. The ord column
// keys each output row back to its input position; s.ctid IS NULL marks
// tombstones. One VALUES row per PK, PK values cast to their catalog types.
func (q *Queue) loadSQL(n int) string {
	pkCols := q.v.PKColumns()

	valueRows := make([]string, n)
	arg := 1
	for i := 0; i < n; i++ {
		parts := make([]string, 0, len(pkCols)+1)
		parts = append(parts, fmt.Sprintf("%d", i))
		for _, attr := range q.v.SourcePK {
			parts = append(parts, fmt.Sprintf("$%d::%s", arg, attr.Type))
			arg++
		}
		valueRows[i] = "(" + strings.Join(parts, ", ") + ")"
	}

	joinConds := make([]string, len(pkCols))
	vCols := make([]string, 0, len(pkCols)+1)
	vCols = append(vCols, "ord")
	for i, col := range pkCols {
		vc := fmt.Sprintf("c%d", i)
		vCols = append(vCols, vc)
		joinConds[i] = fmt.Sprintf("s.%s = v.%s", pgutils.QuoteIdent(col), vc)
	}

	return fmt.Sprintf(
		`SELECT v.ord, s.ctid IS NULL AS missing, s.*
		 FROM (VALUES %s) AS v(%s)
		 LEFT JOIN %s s ON %s
		 ORDER BY v.ord`,
		strings.Join(valueRows, ", "),
		strings.Join(vCols, ", "),
		q.sourceTable(),
		strings.Join(joinConds, " AND "))
}

// Claim implements the claim half of the queue protocol inside the executor's
// transaction: candidate selection, advisory locking per distinct PK in
// deterministic order, debounce collapse, attempt increment, and the source
// left-join.
func (q *Queue) Claim(ctx context.Context, tx pgxQuerier, batchSize int) ([]ClaimedRow, error) {
	pkCols := q.v.PKColumns()

	// 1. Candidate queue entries, FIFO, skipping locked rows.
	rows, err := tx.Query(ctx, q.claimCandidatesSQL(), batchSize)
	if err != nil {
		return nil, fmt.Errorf("select queue candidates: %w", err)
	}

	type candidate struct {
		pk   []any
		ctid string
	}
	var candidates []candidate
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan queue candidate: %w", err)
		}
		ctid, _ := vals[len(pkCols)].(string)
		candidates = append(candidates, candidate{
			pk:   vals[:len(pkCols)],
			ctid: ctid,
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read queue candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// 2. Distinct PKs in sorted order so concurrent claimers attempt locks
	// deterministically; drop PKs another worker owns.
	byKey := map[string][]candidate{}
	keys := make([]string, 0, len(candidates))
	for _, c := range candidates {
		k := pkKey(c.pk)
		if _, seen := byKey[k]; !seen {
			keys = append(keys, k)
		}
		byKey[k] = append(byKey[k], c)
	}
	sort.Strings(keys)

	var locked []string
	for _, k := range keys {
		var got bool
		err := tx.QueryRow(ctx,
			`SELECT pg_try_advisory_xact_lock($1, hashtext($2))`,
			int32(q.v.ID), k,
		).Scan(&got)
		if err != nil {
			return nil, fmt.Errorf("advisory lock: %w", err)
		}
		if got {
			locked = append(locked, k)
		}
	}
	if len(locked) == 0 {
		return nil, nil
	}

	// 3. Collapse duplicates among the candidates and bump attempts on the
	// survivor. The advisory lock guarantees nobody else works this PK, so
	// the surviving entry's attempts count is authoritative.
	attemptsByKey := make(map[string]int, len(locked))
	for _, k := range locked {
		group := byKey[k]
		survivor := group[0]

		if len(group) > 1 {
			dupCtids := make([]string, 0, len(group)-1)
			for _, c := range group[1:] {
				dupCtids = append(dupCtids, c.ctid)
			}
			_, err := tx.Exec(ctx,
				fmt.Sprintf(`DELETE FROM %s WHERE ctid = ANY($1::tid[])`, q.queueTable()),
				dupCtids)
			if err != nil {
				return nil, fmt.Errorf("collapse duplicate queue entries: %w", err)
			}
		}

		var attempts int
		err := tx.QueryRow(ctx,
			fmt.Sprintf(`UPDATE %s SET attempts = attempts + 1 WHERE ctid = $1::tid RETURNING attempts`, q.queueTable()),
			survivor.ctid,
		).Scan(&attempts)
		if err != nil {
			return nil, fmt.Errorf("increment attempts: %w", err)
		}
		attemptsByKey[k] = attempts
	}

	// 4. Load current source rows for the locked PKs.
	lockedPKs := make([][]any, len(locked))
	loadArgs := make([]any, 0, len(locked)*len(pkCols))
	for i, k := range locked {
		lockedPKs[i] = byKey[k][0].pk
		loadArgs = append(loadArgs, lockedPKs[i]...)
	}

	srcRows, err := tx.Query(ctx, q.loadSQL(len(locked)), loadArgs...)
	if err != nil {
		return nil, fmt.Errorf("load source rows: %w", err)
	}
	defer srcRows.Close()

	claimed := make([]ClaimedRow, 0, len(locked))
	fields := srcRows.FieldDescriptions()
	for srcRows.Next() {
		vals, err := srcRows.Values()
		if err != nil {
			return nil, fmt.Errorf("scan source row: %w", err)
		}

		ord := int(toInt64(vals[0]))
		missing, _ := vals[1].(bool)
		cr := ClaimedRow{
			PK:       lockedPKs[ord],
			Attempts: attemptsByKey[pkKey(lockedPKs[ord])],
		}
		if !missing {
			row := make(map[string]any, len(fields)-3)
			for i := 2; i < len(fields); i++ {
				if fields[i].Name == "ctid" {
					continue
				}
				row[fields[i].Name] = vals[i]
			}
			cr.Row = row
		}
		claimed = append(claimed, cr)
	}
	if err := srcRows.Err(); err != nil {
		return nil, fmt.Errorf("read source rows: %w", err)
	}

	return claimed, nil
}

// Succeed deletes the claimed queue entries. Only entries with attempts >= 1
// are removed, so a concurrent trigger re-queue of the same PK (attempts = 0)
// survives and gets picked up on the next cycle.
func (q *Queue) Succeed(ctx context.Context, tx pgxQuerier, pks [][]any) error {
	for _, pk := range pks {
		pred, args := q.pkPredicate("", pk, nil)
		_, err := tx.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE attempts >= 1 AND %s`, q.queueTable(), pred),
			args...)
		if err != nil {
			return fmt.Errorf("succeed queue entry: %w", err)
		}
	}
	return nil
}

// RequeueWithBackoff schedules a failed PK for retry, or moves it to the
// dead-letter table once MaxAttempts is reached. The DLQ insert and the queue
// delete happen in one transaction so a PK is never in both tables for the
// same failure. Runs on its own transaction; the batch transaction that
// claimed the PK has already been rolled back by the time this is called.
func (q *Queue) RequeueWithBackoff(ctx context.Context, pool *pgxpool.Pool, row ClaimedRow, step Step, cause error) error {
	if row.Attempts < MaxAttempts {
		delay := Backoff(row.Attempts)
		pred, args := q.pkPredicate("", row.PK, nil)
		args = append(args, row.Attempts, delay.Seconds())
		// The claim-time attempts increment may have been rolled back with the
		// batch transaction, so re-assert it here or the entry never ages out.
		_, err := pool.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET attempts = GREATEST(attempts, $%d), retry_after = now() + ($%d || ' seconds')::interval WHERE %s`,
				q.queueTable(), len(args)-1, len(args), pred),
			args...)
		if err != nil {
			return fmt.Errorf("set retry_after: %w", err)
		}

		q.log.Warn("requeued failed row",
			slog.String("pk", pkKey(row.PK)),
			slog.Int("attempts", row.Attempts),
			slog.String("step", string(step)),
			slog.Duration("retry_in", delay),
			logger.Error(cause))
		return nil
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin dead-letter tx: %w", err)
	}
	defer tx.Rollback(ctx)

	pkCols := pgutils.IdentList(q.v.PKColumns(), "")
	insertArgs := append([]any{}, row.PK...)
	insertArgs = append(insertArgs, row.Attempts, string(step), truncateMessage(cause.Error()))

	placeholders := make([]string, len(row.PK))
	for i := range row.PK {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s, attempts, failure_step, error) VALUES (%s, $%d, $%d, $%d)`,
			q.failedTable(), pkCols, strings.Join(placeholders, ", "),
			len(row.PK)+1, len(row.PK)+2, len(row.PK)+3),
		insertArgs...)
	if err != nil {
		return fmt.Errorf("insert dead-letter entry: %w", err)
	}

	pred, args := q.pkPredicate("", row.PK, nil)
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE %s`, q.queueTable(), pred),
		args...)
	if err != nil {
		return fmt.Errorf("delete dead-lettered queue entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit dead-letter tx: %w", err)
	}

	q.log.Error("row moved to dead-letter queue",
		slog.String("pk", pkKey(row.PK)),
		slog.Int("attempts", row.Attempts),
		slog.String("step", string(step)),
		logger.Error(cause))
	return nil
}

// DeleteStoreRows removes embedding-store rows for the given PKs inside the
// batch transaction. Used both for tombstones and for the idempotent removal
// of stale chunks before reinsertion.
func (q *Queue) DeleteStoreRows(ctx context.Context, tx pgxQuerier, pks [][]any) error {
	for _, pk := range pks {
		pred, args := q.pkPredicate("", pk, nil)
		_, err := tx.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE %s`, q.targetTable(), pred),
			args...)
		if err != nil {
			return fmt.Errorf("delete embedding store rows: %w", err)
		}
	}
	return nil
}

// truncateMessage caps persisted error messages at 500 bytes without cutting
// a UTF-8 sequence in half.
func truncateMessage(msg string) string {
	if len(msg) <= 500 {
		return msg
	}
	cut := 500
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	}
	return 0
}
