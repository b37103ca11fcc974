package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"

	"github.com/sells-group/demandsync/internal/resilience"
)

func TestKindOf_Tagged(t *testing.T) {
	err := &Error{Kind: KindUniqueness, Op: "sqlite: insert", Err: errors.New("x")}
	assert.Equal(t, KindUniqueness, KindOf(err))
	assert.Equal(t, KindUniqueness, KindOf(eris.Wrap(err, "ingest: page 3")))
	assert.True(t, IsTagged(fmt.Errorf("outer: %w", err)))
}

func TestKindOf_UntaggedIsFatal(t *testing.T) {
	assert.Equal(t, KindFatal, KindOf(errors.New("UNIQUE constraint failed")))
	assert.False(t, IsTagged(errors.New("boom")))
}

func TestClassify_Postgres(t *testing.T) {
	tests := []struct {
		code string
		want ErrorKind
	}{
		{"23505", KindUniqueness},
		{"08006", KindTransient},
		{"40001", KindTransient},
		{"40P01", KindTransient},
		{"42P01", KindFatal},
		{"23502", KindFatal},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := classify("postgres: op", &pgconn.PgError{Code: tt.code})
			assert.Equal(t, tt.want, KindOf(err))
		})
	}
}

func TestClassify_NetworkTransient(t *testing.T) {
	err := classify("postgres: op", resilience.NewTransientError(errors.New("reset"), 0))
	assert.Equal(t, KindTransient, KindOf(err))
}

func TestClassify_Nil(t *testing.T) {
	assert.NoError(t, classify("op", nil))
}

func TestError_Message(t *testing.T) {
	err := classify("sqlite: insert A", errors.New("disk I/O error"))
	assert.Equal(t, "sqlite: insert A: disk I/O error", err.Error())
}

func TestDuplicateText(t *testing.T) {
	assert.True(t, DuplicateText(errors.New("UNIQUE constraint failed: energy_consumption.unique_code")))
	assert.True(t, DuplicateText(errors.New("ERROR: duplicate key value")))
	assert.True(t, DuplicateText(errors.New("record already exists")))
	assert.False(t, DuplicateText(errors.New("Duplicate key")), "case-sensitive")
	assert.False(t, DuplicateText(errors.New("unique constraint failed")), "case-sensitive")
	assert.False(t, DuplicateText(nil))
}

func TestErrorKind_String(t *testing.T) {
	assert.Equal(t, "uniqueness", KindUniqueness.String())
	assert.Equal(t, "transient", KindTransient.String())
	assert.Equal(t, "fatal", KindFatal.String())
}
