package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v4"

	"github.com/arsalan507/workchat-sub000/internal/domain"
)

func formatID(id int64) string { return strconv.FormatInt(id, 10) }

// Activity actions recorded in the task audit trail. Status transitions are
// recorded under the target status name.
const (
	activityTaskCreated   = "TASK_CREATED"
	activityStepCompleted = "STEP_COMPLETED"
	activityProofAdded    = "PROOF_ADDED"
)

// StepParam describes one checklist item at conversion time.
type StepParam struct {
	Content   string
	Mandatory bool
}

// ConvertTaskParams is the ConvertMessageToTask command payload.
type ConvertTaskParams struct {
	MessageID        int64
	OwnerID          int64
	Title            string
	DueDate          *time.Time
	Priority         domain.Priority
	Steps            []StepParam
	ApprovalRequired bool
}

// StatusChange is the committed outcome of UpdateTaskStatus, carrying what
// the task_status_changed event needs.
type StatusChange struct {
	Task    domain.Task
	From    domain.TaskStatus
	To      domain.TaskStatus
	ActorID int64
}

// StepCompletion is the committed outcome of CompleteStep.
type StepCompletion struct {
	TaskID  int64
	ChatID  int64
	Step    domain.TaskStep
	ActorID int64
}

const taskColumns = `id, message_id, chat_id, owner_id, title, priority, status,
		due_date, approval_required, completed_at, approved_at, created_at`

func scanTask(row pgx.Row) (domain.Task, error) {
	var t domain.Task
	err := row.Scan(&t.ID, &t.MessageID, &t.ChatID, &t.OwnerID, &t.Title, &t.Priority,
		&t.Status, &t.DueDate, &t.ApprovalRequired, &t.CompletedAt, &t.ApprovedAt, &t.CreatedAt)
	return t, err
}

// lockTask takes the row lock serializing all commands against one task.
func lockTask(ctx context.Context, tx pgx.Tx, taskID int64) (domain.Task, error) {
	task, err := scanTask(tx.QueryRow(ctx,
		"select "+taskColumns+" from tasks where id = $1 for update", taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return task, domain.NotFoundf("task %d does not exist", taskID)
	}
	return task, err
}

func loadSteps(ctx context.Context, q querier, taskID int64) ([]domain.TaskStep, error) {
	sql := `select id, task_id, position, content, is_mandatory, completed_at, completed_by
			  from task_steps where task_id = $1 order by position asc`
	rows, err := q.Query(ctx, sql, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []domain.TaskStep
	for rows.Next() {
		var st domain.TaskStep
		err = rows.Scan(&st.ID, &st.TaskID, &st.Position, &st.Content, &st.IsMandatory,
			&st.CompletedAt, &st.CompletedByID)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// ConvertMessageToTask turns an existing message into a PENDING task with
// its checklist, flipping the message's is_task flag, all in one
// transaction. Converting an already-converted message is a Conflict.
func (s *Store) ConvertMessageToTask(ctx context.Context, actorID int64, p ConvertTaskParams) (*domain.Task, error) {
	s.logger.Debugf("Converting message %d to task owned by user %d", p.MessageID, p.OwnerID)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(context.Background())

	var (
		chatID int64
		msg    string
		isTask bool
	)
	sql := "select chat_id, text, is_task from messages where id = $1 for update"
	err = tx.QueryRow(ctx, sql, p.MessageID).Scan(&chatID, &msg, &isTask)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NotFoundf("message %d does not exist", p.MessageID)
	}
	if err != nil {
		return nil, err
	}
	if isTask {
		return nil, domain.Conflictf("message %d is already a task", p.MessageID)
	}

	role, err := requireMember(ctx, tx, chatID, actorID)
	if err != nil {
		return nil, err
	}
	if err := domain.Authorize(role, domain.ActionCreateTask); err != nil {
		return nil, err
	}

	_, ownerIsMember, err := memberRole(ctx, tx, chatID, p.OwnerID)
	if err != nil {
		return nil, err
	}
	if !ownerIsMember {
		return nil, domain.Validationf("task owner %d must be a current chat member", p.OwnerID)
	}

	title := p.Title
	if title == "" {
		title = msg
	}

	if _, err := tx.Exec(ctx, "update messages set is_task = true where id = $1", p.MessageID); err != nil {
		return nil, err
	}

	task := domain.Task{
		MessageID:        p.MessageID,
		ChatID:           chatID,
		OwnerID:          p.OwnerID,
		Title:            title,
		Priority:         p.Priority,
		Status:           domain.StatusPending,
		DueDate:          p.DueDate,
		ApprovalRequired: p.ApprovalRequired,
	}
	sql = `insert into tasks (message_id, chat_id, owner_id, title, priority, status,
				due_date, approval_required, created_at)
			values ($1, $2, $3, $4, $5, $6, $7, $8, now())
			returning id, created_at`
	err = tx.QueryRow(ctx, sql, p.MessageID, chatID, p.OwnerID, title, p.Priority,
		domain.StatusPending, p.DueDate, p.ApprovalRequired).Scan(&task.ID, &task.CreatedAt)
	if err != nil {
		return nil, err
	}

	for i, step := range p.Steps {
		st := domain.TaskStep{
			TaskID:      task.ID,
			Position:    int32(i + 1),
			Content:     step.Content,
			IsMandatory: step.Mandatory,
		}
		sql = `insert into task_steps (task_id, position, content, is_mandatory)
				values ($1, $2, $3, $4) returning id`
		if err := tx.QueryRow(ctx, sql, task.ID, st.Position, st.Content, st.IsMandatory).Scan(&st.ID); err != nil {
			return nil, err
		}
		task.Steps = append(task.Steps, st)
	}

	err = appendActivity(ctx, tx, task.ID, activityTaskCreated, actorID, map[string]string{
		"message_id": formatID(p.MessageID),
		"owner_id":   formatID(p.OwnerID),
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.logger.Debugf("Created task %d from message %d", task.ID, p.MessageID)

	return &task, nil
}

// UpdateTaskStatus validates and applies one workflow transition under the
// task row lock: mandatory-step gate, actor gate, then the transition table.
// The audit row and the status update commit together or not at all.
func (s *Store) UpdateTaskStatus(ctx context.Context, actorID, taskID int64, newStatus domain.TaskStatus) (*StatusChange, error) {
	s.logger.Debugf("User %d moving task %d to %s", actorID, taskID, newStatus)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(context.Background())

	task, err := lockTask(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}

	role, err := requireMember(ctx, tx, task.ChatID, actorID)
	if err != nil {
		return nil, err
	}

	// incomplete mandatory steps reject completion regardless of actor role
	if newStatus == domain.StatusCompleted {
		steps, err := loadSteps(ctx, tx, taskID)
		if err != nil {
			return nil, err
		}
		if err := domain.CheckMandatorySteps(steps); err != nil {
			return nil, err
		}
	}

	if err := domain.AuthorizeTransition(newStatus, task.OwnerID == actorID, role); err != nil {
		return nil, err
	}
	if err := domain.ValidateTransition(task.Status, newStatus); err != nil {
		return nil, err
	}

	from := task.Status
	sql := `update tasks
			   set status = $2,
				   completed_at = case
						when $2 = 'COMPLETED' then now()
						when $2 = 'REOPENED' then null
						else completed_at end,
				   approved_at = case when $2 = 'APPROVED' then now() else approved_at end
			 where id = $1
			 returning completed_at, approved_at`
	err = tx.QueryRow(ctx, sql, taskID, newStatus).Scan(&task.CompletedAt, &task.ApprovedAt)
	if err != nil {
		return nil, err
	}
	task.Status = newStatus

	err = appendActivity(ctx, tx, taskID, string(newStatus), actorID, map[string]string{
		"from": string(from),
		"to":   string(newStatus),
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &StatusChange{Task: task, From: from, To: newStatus, ActorID: actorID}, nil
}

// CompleteStep marks one checklist item done. Task owner only; completing an
// already-completed step is a Conflict rather than a silent no-op.
func (s *Store) CompleteStep(ctx context.Context, actorID, taskID, stepID int64) (*StepCompletion, error) {
	s.logger.Debugf("User %d completing step %d of task %d", actorID, stepID, taskID)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(context.Background())

	task, err := lockTask(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}

	role, err := requireMember(ctx, tx, task.ChatID, actorID)
	if err != nil {
		return nil, err
	}
	if err := domain.Authorize(role, domain.ActionCompleteOwnTask); err != nil {
		return nil, err
	}
	if task.OwnerID != actorID {
		return nil, domain.Forbiddenf("only the task owner may complete steps")
	}

	var step domain.TaskStep
	sql := `select id, task_id, position, content, is_mandatory, completed_at, completed_by
			  from task_steps where id = $1 and task_id = $2`
	err = tx.QueryRow(ctx, sql, stepID, taskID).Scan(&step.ID, &step.TaskID, &step.Position,
		&step.Content, &step.IsMandatory, &step.CompletedAt, &step.CompletedByID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NotFoundf("step %d does not exist on task %d", stepID, taskID)
	}
	if err != nil {
		return nil, err
	}
	if step.CompletedAt != nil {
		return nil, domain.Conflictf("step %d is already completed", stepID)
	}

	sql = `update task_steps set completed_at = now(), completed_by = $2
			where id = $1 returning completed_at`
	if err := tx.QueryRow(ctx, sql, stepID, actorID).Scan(&step.CompletedAt); err != nil {
		return nil, err
	}
	step.CompletedByID = &actorID

	err = appendActivity(ctx, tx, taskID, activityStepCompleted, actorID, map[string]string{
		"step_id": formatID(stepID),
		"content": step.Content,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &StepCompletion{TaskID: taskID, ChatID: task.ChatID, Step: step, ActorID: actorID}, nil
}

// AddProof records a file reference as evidence on the task. The blob
// itself lives with the external file storage; only its URL is kept.
func (s *Store) AddProof(ctx context.Context, actorID, taskID int64, fileURL, note string) (*domain.TaskProof, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(context.Background())

	task, err := lockTask(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if task.OwnerID != actorID {
		return nil, domain.Forbiddenf("only the task owner may attach proofs")
	}

	proof := domain.TaskProof{TaskID: taskID, AddedByID: actorID, FileURL: fileURL, Note: note}
	sql := `insert into task_proofs (task_id, added_by, file_url, note, created_at)
			values ($1, $2, $3, $4, now()) returning id, created_at`
	if err := tx.QueryRow(ctx, sql, taskID, actorID, fileURL, note).Scan(&proof.ID, &proof.CreatedAt); err != nil {
		return nil, err
	}

	err = appendActivity(ctx, tx, taskID, activityProofAdded, actorID, map[string]string{
		"file_url": fileURL,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &proof, nil
}

// TaskByID returns the task with its checklist, proofs and full audit trail.
// The caller must be a member of the task's chat.
func (s *Store) TaskByID(ctx context.Context, actorID, taskID int64) (*domain.Task, error) {
	task, err := scanTask(s.db.QueryRow(ctx,
		"select "+taskColumns+" from tasks where id = $1", taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NotFoundf("task %d does not exist", taskID)
	}
	if err != nil {
		return nil, err
	}

	role, err := requireMember(ctx, s.db, task.ChatID, actorID)
	if err != nil {
		return nil, err
	}
	if err := domain.Authorize(role, domain.ActionViewSummary); err != nil {
		return nil, err
	}

	if task.Steps, err = loadSteps(ctx, s.db, taskID); err != nil {
		return nil, err
	}
	if task.Proofs, err = loadProofs(ctx, s.db, taskID); err != nil {
		return nil, err
	}
	if task.Activity, err = loadActivity(ctx, s.db, taskID); err != nil {
		return nil, err
	}

	return &task, nil
}

func loadProofs(ctx context.Context, q querier, taskID int64) ([]domain.TaskProof, error) {
	sql := `select id, task_id, added_by, file_url, coalesce(note, ''), created_at
			  from task_proofs where task_id = $1 order by created_at asc, id asc`
	rows, err := q.Query(ctx, sql, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var proofs []domain.TaskProof
	for rows.Next() {
		var p domain.TaskProof
		if err := rows.Scan(&p.ID, &p.TaskID, &p.AddedByID, &p.FileURL, &p.Note, &p.CreatedAt); err != nil {
			return nil, err
		}
		proofs = append(proofs, p)
	}
	return proofs, rows.Err()
}

func loadActivity(ctx context.Context, q querier, taskID int64) ([]domain.TaskActivity, error) {
	sql := `select id, task_id, action, actor_id, details, created_at
			  from task_activities where task_id = $1 order by created_at asc, id asc`
	rows, err := q.Query(ctx, sql, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var activity []domain.TaskActivity
	for rows.Next() {
		var (
			a       domain.TaskActivity
			details []byte
		)
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Action, &a.ActorID, &details, &a.CreatedAt); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &a.Details); err != nil {
				return nil, err
			}
		}
		activity = append(activity, a)
	}
	return activity, rows.Err()
}
