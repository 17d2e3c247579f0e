package outbox

import (
	"math/rand"
	"sync"
	"time"
)

// Default параметры backoff.
const (
	DefaultMaxDelay  = 10 * time.Minute
	DefaultJitterPct = 0.2

	minDelay = time.Second
)

// Backoff вычисляет задержку перед повторной попыткой:
// min(2^attempt секунд, MaxDelay) с равномерным jitter ±JitterPct.
// Нижняя граница — одна секунда, какой бы ни вышла база с jitter'ом.
//
// Источник случайности инжектируется для детерминированных тестов.
type Backoff struct {
	maxDelay  time.Duration
	jitterPct float64

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewBackoff создаёт Backoff с параметрами по умолчанию.
func NewBackoff() *Backoff {
	return NewBackoffWithSource(DefaultMaxDelay, DefaultJitterPct, rand.NewSource(time.Now().UnixNano()))
}

// NewBackoffWithSource создаёт Backoff с явными параметрами и источником
// случайности. Нулевые maxDelay/jitterPct заменяются значениями по умолчанию.
func NewBackoffWithSource(maxDelay time.Duration, jitterPct float64, src rand.Source) *Backoff {
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if jitterPct < 0 {
		jitterPct = DefaultJitterPct
	}
	return &Backoff{
		maxDelay:  maxDelay,
		jitterPct: jitterPct,
		rnd:       rand.New(src),
	}
}

// Delay возвращает задержку перед попыткой номер attempt (с 1).
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := b.maxDelay
	// 2^attempt секунд; при больших attempt сразу берём потолок,
	// чтобы не переполнить сдвиг.
	if attempt < 63 {
		exp := time.Duration(1<<uint(attempt)) * time.Second
		if exp < base {
			base = exp
		}
	}

	delay := base
	if b.jitterPct > 0 {
		b.mu.Lock()
		factor := 1 + b.jitterPct*(2*b.rnd.Float64()-1)
		b.mu.Unlock()
		delay = time.Duration(float64(base) * factor)
	}

	if delay < minDelay {
		delay = minDelay
	}
	return delay
}
