package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyDeadline(t *testing.T) {
	assert.Equal(t, Retriable, Classify(context.DeadlineExceeded, 0, ""))
}

func TestClassifyContextCanceled(t *testing.T) {
	assert.Equal(t, NonRetriable, Classify(context.Canceled, 0, ""))
}

func TestClassifyConnectionError(t *testing.T) {
	kind := Classify(errors.New("fail"), 1, "Fatal: unable to open repository: dial tcp: connection refused")
	assert.Equal(t, Retriable, kind)
}

func TestClassifyWrongPassword(t *testing.T) {
	kind := Classify(errors.New("fail"), 1, "Fatal: wrong password or no key found")
	assert.Equal(t, NonRetriable, kind)
}

func TestClassifyRepositoryErrorsAreNotPermanent(t *testing.T) {
	for _, stderr := range []string{
		"Fatal: unable to open config file: stat /mnt/nfs/restic/config: no such file or directory",
		"Fatal: unable to open repository: invalid header field value from server",
		"Fatal: open /mnt/nfs/restic/keys: permission denied",
	} {
		assert.NotEqual(t, NonRetriable, Classify(errors.New("fail"), 1, stderr), stderr)
	}
}

func TestClassifyPartialRestore(t *testing.T) {
	assert.Equal(t, Retriable, Classify(errors.New("fail"), 3, "some files could not be read"))
}

func TestClassifyUnknown(t *testing.T) {
	kind := Classify(errors.New("fail"), 1, "some weird error")
	assert.Equal(t, Unknown, kind)
}

func TestErrorKindString(t *testing.T) {
	assert.Equal(t, "RETRIABLE", Retriable.String())
	assert.Equal(t, "NON_RETRIABLE", NonRetriable.String())
	assert.Equal(t, "UNKNOWN", Unknown.String())
}

func TestOncePolicy(t *testing.T) {
	p := Once(5 * time.Second)
	assert.Equal(t, 2, p.MaxAttempts)
	assert.Equal(t, 5*time.Second, p.delay(0))
	assert.Equal(t, 5*time.Second, p.delay(1))
}

func TestPolicyExecuteSuccessFirstAttempt(t *testing.T) {
	p := Policy{MaxAttempts: 3, InitDelay: time.Millisecond, Multiplier: 2.0, MaxDelay: time.Second}
	calls := 0
	result, err := p.Execute(context.Background(), func() (string, error, ErrorKind) {
		calls++
		return "ok", nil, Retriable
	})
	assert.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 1, calls)
}

func TestPolicyExecuteRetriableSucceedsOnThird(t *testing.T) {
	p := Policy{MaxAttempts: 3, InitDelay: time.Millisecond, Multiplier: 1.0, MaxDelay: time.Second}
	calls := 0
	result, err := p.Execute(context.Background(), func() (string, error, ErrorKind) {
		calls++
		if calls < 3 {
			return "", errors.New("transient"), Retriable
		}
		return "ok", nil, Retriable
	})
	assert.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
}

func TestPolicyExecuteNonRetriableStopsImmediately(t *testing.T) {
	p := Policy{MaxAttempts: 3, InitDelay: time.Millisecond, Multiplier: 2.0, MaxDelay: time.Second}
	calls := 0
	_, err := p.Execute(context.Background(), func() (string, error, ErrorKind) {
		calls++
		return "", errors.New("permanent"), NonRetriable
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Contains(t, err.Error(), "permanent")
}

func TestPolicyExecuteUnknownRetriesLikeRetriable(t *testing.T) {
	p := Policy{MaxAttempts: 2, InitDelay: time.Millisecond, Multiplier: 1.0, MaxDelay: time.Second}
	calls := 0
	var retried []int
	p.OnRetry = func(attempt int, err error, wait time.Duration) { retried = append(retried, attempt) }
	_, err := p.Execute(context.Background(), func() (string, error, ErrorKind) {
		calls++
		return "", errors.New("mystery"), Unknown
	})
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []int{1}, retried)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestPolicyExecuteRespectsContext(t *testing.T) {
	p := Policy{MaxAttempts: 10, InitDelay: time.Second, Multiplier: 2.0, MaxDelay: time.Minute}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.Execute(ctx, func() (string, error, ErrorKind) {
		return "", errors.New("fail"), Retriable
	})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPolicyDelayCalculation(t *testing.T) {
	p := Policy{MaxAttempts: 5, InitDelay: 100 * time.Millisecond, Multiplier: 2.0, MaxDelay: 500 * time.Millisecond}
	// attempt 0: 100ms, attempt 1: 200ms, attempt 2: 400ms, attempt 3: 500ms (capped)
	assert.Equal(t, 100*time.Millisecond, p.delay(0))
	assert.Equal(t, 200*time.Millisecond, p.delay(1))
	assert.Equal(t, 400*time.Millisecond, p.delay(2))
	assert.Equal(t, 500*time.Millisecond, p.delay(3))
}
