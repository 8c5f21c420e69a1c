package vectorizer

import (
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQueue(pk []PKAttribute) *Queue {
	v := validVectorizer()
	if pk != nil {
		v.SourcePK = pk
	}
	return NewQueue(v, slog.New(slog.DiscardHandler))
}

func TestBackoffBounds(t *testing.T) {
	for attempts := 1; attempts <= MaxAttempts; attempts++ {
		base := BackoffBase << (attempts - 1)
		if base > BackoffCap {
			base = BackoffCap
		}
		for i := 0; i < 20; i++ {
			d := Backoff(attempts)
			assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.75), "attempt %d", attempts)
			assert.LessOrEqual(t, d, time.Duration(float64(base)*1.25), "attempt %d", attempts)
		}
	}
}

func TestBackoffClampsOutOfRangeAttempts(t *testing.T) {
	// Attempt counts below 1 behave like the first attempt; huge counts stay
	// within the cap despite shift overflow.
	assert.LessOrEqual(t, Backoff(0), time.Duration(float64(BackoffBase)*1.25))
	assert.LessOrEqual(t, Backoff(500), time.Duration(float64(BackoffCap)*1.25))
	assert.Greater(t, Backoff(500), time.Duration(0))
}

func TestPKKey(t *testing.T) {
	assert.Equal(t, "42", pkKey([]any{42}))
	assert.Equal(t, "t1|42", pkKey([]any{"t1", 42}))
}

func TestPKKeyDistinctTuplesNeverCollide(t *testing.T) {
	// The separator must be escaped inside values: these tuples would
	// otherwise flatten to the same key, and the claim path would delete the
	// second row's queue entry as a duplicate of the first.
	pairs := [][2][]any{
		{{"a|b", "c"}, {"a", "b|c"}},
		{{"a|", "b"}, {"a", "|b"}},
		{{`a\`, "|b"}, {`a\|`, "b"}},
		{{"", "a|b"}, {"|a", "b"}},
	}
	for _, p := range pairs {
		assert.NotEqual(t, pkKey(p[0]), pkKey(p[1]),
			"tuples %v and %v must map to distinct keys", p[0], p[1])
	}

	// Same tuple still maps to the same key.
	assert.Equal(t, pkKey([]any{"a|b", "c"}), pkKey([]any{"a|b", "c"}))
}

func TestPKPredicateComposite(t *testing.T) {
	q := testQueue([]PKAttribute{
		{Name: "tenant_id", Type: "uuid"},
		{Name: "id", Type: "int8"},
	})

	pred, args := q.pkPredicate("", []any{"t1", 42}, nil)
	assert.Equal(t, `"tenant_id" = $1 AND "id" = $2`, pred)
	assert.Equal(t, []any{"t1", 42}, args)

	// Placeholders continue from existing args.
	pred, args = q.pkPredicate("q", []any{"t1", 42}, []any{"prior"})
	assert.Equal(t, `q."tenant_id" = $2 AND q."id" = $3`, pred)
	assert.Len(t, args, 3)
}

func TestClaimCandidatesSQL(t *testing.T) {
	q := testQueue(nil)
	sql := q.claimCandidatesSQL()

	assert.Contains(t, sql, `"ai"."_vectorizer_q_1"`)
	assert.Contains(t, sql, "FOR UPDATE SKIP LOCKED")
	assert.Contains(t, sql, "ORDER BY queued_at")
	assert.Contains(t, sql, "retry_after IS NULL OR retry_after <= now()")
	assert.Contains(t, sql, "LIMIT $1")
	assert.Contains(t, sql, "ctid::text")
}

func TestLoadSQLCompositeKey(t *testing.T) {
	q := testQueue([]PKAttribute{
		{Name: "tenant_id", Type: "uuid"},
		{Name: "id", Type: "int8"},
	})

	sql := q.loadSQL(2)

	// Two VALUES rows, each with ord plus two typed PK casts.
	assert.Contains(t, sql, "(0, $1::uuid, $2::int8)")
	assert.Contains(t, sql, "(1, $3::uuid, $4::int8)")
	assert.Contains(t, sql, "LEFT JOIN")
	assert.Contains(t, sql, "s.ctid IS NULL AS missing")
	assert.Contains(t, sql, `s."tenant_id" = v.c0`)
	assert.Contains(t, sql, `s."id" = v.c1`)
	assert.Contains(t, sql, "ORDER BY v.ord")
}

func TestLoadSQLSingleKey(t *testing.T) {
	q := testQueue(nil)
	sql := q.loadSQL(3)

	assert.Equal(t, 3, strings.Count(sql, "::int4"))
	assert.Contains(t, sql, `"public"."blog"`)
}

func TestTruncateMessage(t *testing.T) {
	assert.Equal(t, "short", truncateMessage("short"))

	long := strings.Repeat("x", 600)
	got := truncateMessage(long)
	require.Len(t, got, 500)
}

func TestTruncateMessageKeepsRunesIntact(t *testing.T) {
	// 3-byte runes that do not divide 500 evenly, so a byte-offset cut would
	// land mid-sequence.
	long := strings.Repeat("日", 300)
	got := truncateMessage(long)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), 500)
	assert.Equal(t, 498, len(got))
}

func TestToInt64(t *testing.T) {
	assert.Equal(t, int64(7), toInt64(int64(7)))
	assert.Equal(t, int64(7), toInt64(int32(7)))
	assert.Equal(t, int64(7), toInt64(int(7)))
	assert.Equal(t, int64(0), toInt64("7"))
}
