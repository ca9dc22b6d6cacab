package contract

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRetryable(t *testing.T) {
	assert.True(t, EProfileLocked.DefaultRetryable())
	assert.True(t, ECDPUnreachable.DefaultRetryable())
	assert.False(t, EURLInvalid.DefaultRetryable())
	assert.False(t, ETargetNotFound.DefaultRetryable())
}

func TestExitCodeStableAndPositive(t *testing.T) {
	seen := map[int]Kind{}
	for k := range exitCodes {
		code := k.ExitCode()
		assert.Positive(t, code)
		if other, dup := seen[code]; dup {
			t.Fatalf("exit code %d reused by %s and %s", code, other, k)
		}
		seen[code] = k
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(EInternal, cause)
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, EInternal, err.Kind)
}

func TestWrapIdempotentOnContractError(t *testing.T) {
	inner := New(ESessionConflict, "already attached")
	wrapped := Wrap(EInternal, inner)
	assert.Same(t, inner, wrapped)
}

func TestAsError(t *testing.T) {
	ce := New(EProfileLocked, "locked")
	found, ok := AsError(ce)
	require.True(t, ok)
	assert.Equal(t, EProfileLocked, found.Kind)

	wrapped := Wrap(EInternal, ce)
	found, ok = AsError(wrapped)
	require.True(t, ok)
	assert.Equal(t, EProfileLocked, found.Kind)

	_, ok = AsError(errors.New("plain"))
	assert.False(t, ok)
}

func TestResultMarshalSuccess(t *testing.T) {
	r := Success(map[string]any{"sessionId": "p.auth"})
	b, err := json.Marshal(r)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, "p.auth", out["sessionId"])
}

func TestResultMarshalFailure(t *testing.T) {
	err := New(EDaemonQueueSaturated, "lane full").WithRecovery(&Recovery{
		Strategy:       "retry-after-backoff",
		RequiredFields: []string{"queueScope", "retryAfterMs"},
		Context:        map[string]any{"queueScope": "a:1", "retryAfterMs": 250},
	})
	r := Failure(err)
	b, marshalErr := json.Marshal(r)
	require.NoError(t, marshalErr)

	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, false, out["ok"])
	assert.Equal(t, string(EDaemonQueueSaturated), out["code"])
	assert.Equal(t, true, out["retryable"])
	recovery, ok := out["recovery"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "retry-after-backoff", recovery["strategy"])
}

func TestResultExitCode(t *testing.T) {
	assert.Equal(t, 0, Success(nil).ExitCode())
	f := Failure(New(EURLInvalid, "bad url"))
	assert.Equal(t, EURLInvalid.ExitCode(), f.ExitCode())
}
