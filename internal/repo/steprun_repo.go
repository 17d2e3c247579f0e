package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conveyor/internal/domain"
)

// StepRunRepo — репозиторий для работы с step_runs.
type StepRunRepo struct {
	pool *pgxpool.Pool
}

// NewStepRunRepo создаёт новый StepRunRepo.
func NewStepRunRepo(pool *pgxpool.Pool) *StepRunRepo {
	return &StepRunRepo{pool: pool}
}

const stepRunColumns = `id, execution_id, node_key, status, attempt,
       input_data, output_data, error_data, started_at, finished_at`

// GetOrCreate возвращает существующий StepRun узла или создаёт RUNNING
// запись. Гонка двух воркеров за один узел решается уникальным
// ограничением (execution_id, node_key): проигравший читает строку
// победителя.
func (r *StepRunRepo) GetOrCreate(ctx context.Context, executionID uuid.UUID, nodeKey string, input map[string]any) (*domain.StepRun, error) {
	existing, err := r.get(ctx, executionID, nodeKey)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal step input: %w", err)
	}

	step := &domain.StepRun{
		ID:          uuid.New(),
		ExecutionID: executionID,
		NodeKey:     nodeKey,
		Status:      domain.StepRunStatusRunning,
		Attempt:     1,
		InputData:   input,
		StartedAt:   time.Now(),
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO step_runs (id, execution_id, node_key, status, attempt, input_data, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, step.ID, step.ExecutionID, step.NodeKey, step.Status, step.Attempt, inputJSON, step.StartedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return r.get(ctx, executionID, nodeKey)
		}
		return nil, fmt.Errorf("insert step run: %w", err)
	}
	return step, nil
}

// Update сохраняет результат шага.
func (r *StepRunRepo) Update(ctx context.Context, step *domain.StepRun) error {
	outputJSON, err := json.Marshal(step.OutputData)
	if err != nil {
		return fmt.Errorf("marshal step output: %w", err)
	}
	errJSON, err := json.Marshal(step.ErrorData)
	if err != nil {
		return fmt.Errorf("marshal step error: %w", err)
	}

	result, err := r.pool.Exec(ctx, `
		UPDATE step_runs
		SET status = $2, attempt = $3, output_data = $4, error_data = $5, finished_at = $6
		WHERE id = $1
	`, step.ID, step.Status, step.Attempt, outputJSON, errJSON, step.FinishedAt)
	if err != nil {
		return fmt.Errorf("update step run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByExecution возвращает все шаги execution в порядке запуска.
func (r *StepRunRepo) ListByExecution(ctx context.Context, executionID uuid.UUID) ([]domain.StepRun, error) {
	query := `SELECT ` + stepRunColumns + `
		FROM step_runs
		WHERE execution_id = $1
		ORDER BY started_at`
	rows, err := r.pool.Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("list step runs: %w", err)
	}
	defer rows.Close()

	var steps []domain.StepRun
	for rows.Next() {
		step, err := scanStepRun(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *step)
	}
	return steps, rows.Err()
}

func (r *StepRunRepo) get(ctx context.Context, executionID uuid.UUID, nodeKey string) (*domain.StepRun, error) {
	query := `SELECT ` + stepRunColumns + `
		FROM step_runs
		WHERE execution_id = $1 AND node_key = $2`
	row := r.pool.QueryRow(ctx, query, executionID, nodeKey)
	step, err := scanStepRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return step, err
}

func scanStepRun(s executionScanner) (*domain.StepRun, error) {
	var step domain.StepRun
	var inputJSON, outputJSON, errJSON []byte

	err := s.Scan(
		&step.ID,
		&step.ExecutionID,
		&step.NodeKey,
		&step.Status,
		&step.Attempt,
		&inputJSON,
		&outputJSON,
		&errJSON,
		&step.StartedAt,
		&step.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan step run: %w", err)
	}

	for _, pair := range []struct {
		raw []byte
		dst *map[string]any
	}{
		{inputJSON, &step.InputData},
		{outputJSON, &step.OutputData},
		{errJSON, &step.ErrorData},
	} {
		if pair.raw == nil {
			continue
		}
		if err := json.Unmarshal(pair.raw, pair.dst); err != nil {
			return nil, fmt.Errorf("unmarshal step run data: %w", err)
		}
	}
	return &step, nil
}
