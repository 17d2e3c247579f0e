package engine

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Точки инъекции отказов.
const (
	ChaosExecutionStart = "execution:start"
	ChaosStepPre        = "step:pre"
	ChaosStepPost       = "step:post"
	ChaosProviderCall   = "provider:call"
)

// Chaos — инъекция отказов и задержек в контролируемых точках движка.
// Выключен по умолчанию; включается только в тестовых стендах для
// проверки идемпотентности и resume-семантики.
type Chaos struct {
	enabled bool
	points  map[string]ChaosPoint

	mu  sync.Mutex
	rnd *rand.Rand

	sleep func(time.Duration)
}

// ChaosPoint — параметры одной точки инъекции.
type ChaosPoint struct {
	// FailureProbability — вероятность искусственной ошибки [0..1].
	FailureProbability float64

	// Latency — искусственная задержка перед продолжением.
	Latency time.Duration
}

// NewChaos создаёт выключенный Chaos.
func NewChaos() *Chaos {
	return &Chaos{
		points: make(map[string]ChaosPoint),
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:  time.Sleep,
	}
}

// Enable включает инъекцию в точке point.
func (c *Chaos) Enable(point string, cfg ChaosPoint) {
	c.enabled = true
	c.points[point] = cfg
}

// Inject выполняет инъекцию в точке point: задержку и, с заданной
// вероятностью, искусственную ошибку. Выключенный Chaos — no-op.
func (c *Chaos) Inject(point string) error {
	if !c.enabled {
		return nil
	}
	cfg, ok := c.points[point]
	if !ok {
		return nil
	}

	if cfg.Latency > 0 {
		c.sleep(cfg.Latency)
	}
	if cfg.FailureProbability > 0 {
		c.mu.Lock()
		roll := c.rnd.Float64()
		c.mu.Unlock()
		if roll < cfg.FailureProbability {
			return fmt.Errorf("chaos: injected failure at %s", point)
		}
	}
	return nil
}
