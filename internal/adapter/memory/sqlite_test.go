package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmbridge/internal/domain"
)

func newTestLog(t *testing.T) *SQLiteLessonLog {
	t.Helper()
	l, err := NewSQLiteLessonLog(filepath.Join(t.TempDir(), "lessons.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndQueryFailures(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, l.Record(ctx, domain.Lesson{
		Tags: []string{"write_file", "parser"}, Action: "write_file: parser.go",
		Outcome: domain.OutcomeFailure, ErrorDetails: "User denied permission",
		Timestamp: base,
	}))
	require.NoError(t, l.Record(ctx, domain.Lesson{
		Tags: []string{"write_file"}, Action: "write_file: main.go",
		Outcome: domain.OutcomeSuccess, Timestamp: base.Add(time.Second),
	}))
	require.NoError(t, l.Record(ctx, domain.Lesson{
		Tags: []string{"network"}, Action: "fetch",
		Outcome: domain.OutcomeFailure, ErrorDetails: "timeout",
		Timestamp: base.Add(2 * time.Second),
	}))

	got, err := l.QueryFailures(ctx, []string{"write_file"}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1, "successes and unrelated tags must be filtered out")
	assert.Equal(t, "write_file: parser.go", got[0].Action)
	assert.Equal(t, "User denied permission", got[0].ErrorDetails)
	assert.Equal(t, []string{"write_file", "parser"}, got[0].Tags)
}

func TestQueryFailuresNoTagsReturnsRecent(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Record(ctx, domain.Lesson{
			Tags:      []string{"t"},
			Action:    fmt.Sprintf("act-%d", i),
			Outcome:   domain.OutcomeFailure,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	got, err := l.QueryFailures(ctx, nil, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	// Most recent first.
	assert.Equal(t, "act-4", got[0].Action)
	assert.Equal(t, "act-2", got[2].Action)
}

func TestRecordGeneratesID(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, domain.Lesson{
		Tags: []string{"a"}, Action: "x", Outcome: domain.OutcomeFailure,
	}))
	require.NoError(t, l.Record(ctx, domain.Lesson{
		Tags: []string{"a"}, Action: "y", Outcome: domain.OutcomeFailure,
	}))

	got, err := l.QueryFailures(ctx, []string{"a"}, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.NotEmpty(t, got[0].ID)
	assert.NotEqual(t, got[0].ID, got[1].ID)
}

func TestLessonsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lessons.db")
	ctx := context.Background()

	l, err := NewSQLiteLessonLog(path)
	require.NoError(t, err)
	require.NoError(t, l.Record(ctx, domain.Lesson{
		Tags: []string{"kept"}, Action: "persisted", Outcome: domain.OutcomeFailure,
	}))
	require.NoError(t, l.Close())

	l2, err := NewSQLiteLessonLog(path)
	require.NoError(t, err)
	defer l2.Close()
	got, err := l2.QueryFailures(ctx, []string{"kept"}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "persisted", got[0].Action)
}
