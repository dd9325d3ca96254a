package services_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskhub/apperr"
	"taskhub/models"
	"taskhub/services"
	"taskhub/utils"
)

type taskFixture struct {
	*env
	admin   models.User
	member  models.User
	project models.Project
}

func newTaskFixture(t *testing.T) *taskFixture {
	t.Helper()
	e := newEnv(t)
	admin := e.fx.CreateUser("Admin")
	member := e.fx.CreateUser("Member")
	project := e.fx.CreateProject("Roadmap", admin.ID)
	e.fx.AddMember(project.ID, member.ID, models.RoleMember)
	return &taskFixture{env: e, admin: admin, member: member, project: project}
}

func (f *taskFixture) taskCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&models.Task{}).Where("project_id = ?", f.project.ID).Count(&n).Error)
	return n
}

func TestCreateTask(t *testing.T) {
	t.Parallel()

	t.Run("member assigns another member", func(t *testing.T) {
		t.Parallel()
		f := newTaskFixture(t)
		due := time.Date(2030, 1, 2, 0, 0, 0, 0, time.UTC)

		task, err := f.tasks.CreateTask(context.Background(), f.project.ID, services.TaskInput{
			Title:      "Write docs",
			DueDate:    &due,
			AssigneeID: &f.admin.ID,
		}, f.member.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusPending, task.Status)
		require.NotNil(t, task.Assignee)
		assert.Equal(t, f.admin.Email, task.Assignee.Email)

		sent := f.notifier.Sent()
		require.Len(t, sent, 1)
		assert.Equal(t, f.admin.Email, sent[0].To)
		assert.Equal(t, "Roadmap", sent[0].ProjectTitle)
		assert.Equal(t, f.member.FullName(), sent[0].AssignedBy)
	})

	t.Run("self assignment sends nothing", func(t *testing.T) {
		t.Parallel()
		f := newTaskFixture(t)

		_, err := f.tasks.CreateTask(context.Background(), f.project.ID, services.TaskInput{
			Title:      "Write docs",
			AssigneeID: &f.member.ID,
		}, f.member.ID)
		require.NoError(t, err)
		assert.Empty(t, f.notifier.Sent())
	})

	t.Run("assignee must be a member", func(t *testing.T) {
		t.Parallel()
		f := newTaskFixture(t)
		outsider := f.fx.CreateUser("Outsider")

		_, err := f.tasks.CreateTask(context.Background(), f.project.ID, services.TaskInput{
			Title:      "Write docs",
			AssigneeID: &outsider.ID,
		}, f.member.ID)
		requireKind(t, err, apperr.KindBadRequest)
		assert.Zero(t, f.taskCount(t))
	})

	t.Run("outsider is forbidden", func(t *testing.T) {
		t.Parallel()
		f := newTaskFixture(t)
		outsider := f.fx.CreateUser("Outsider")

		_, err := f.tasks.CreateTask(context.Background(), f.project.ID, services.TaskInput{Title: "Write docs"}, outsider.ID)
		requireKind(t, err, apperr.KindForbidden)

		_, err = f.tasks.CreateTask(context.Background(), uuid.New(), services.TaskInput{Title: "Write docs"}, f.member.ID)
		requireKind(t, err, apperr.KindNotFound)
	})

	t.Run("notifier failure does not fail the write", func(t *testing.T) {
		t.Parallel()
		f := newTaskFixture(t)
		f.notifier.err = errInjected

		_, err := f.tasks.CreateTask(context.Background(), f.project.ID, services.TaskInput{
			Title:      "Write docs",
			AssigneeID: &f.admin.ID,
		}, f.member.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 1, f.taskCount(t))
	})
}

func TestUpdateTask(t *testing.T) {
	t.Parallel()
	f := newTaskFixture(t)
	ctx := context.Background()
	task := f.fx.CreateTask(f.project.ID, "Write docs", &f.member.ID)

	_, err := f.tasks.UpdateTask(ctx, f.project.ID, task.ID, services.TaskPatch{Status: utils.Pointer("done")}, f.member.ID)
	requireKind(t, err, apperr.KindBadRequest)

	updated, err := f.tasks.UpdateTask(ctx, f.project.ID, task.ID, services.TaskPatch{
		Title:  utils.Pointer("Write better docs"),
		Status: utils.Pointer(string(models.TaskStatusInProgress)),
	}, f.member.ID)
	require.NoError(t, err)
	assert.Equal(t, "Write better docs", updated.Title)
	assert.Equal(t, models.TaskStatusInProgress, updated.Status)
	require.NotNil(t, updated.AssigneeID, "absent assignee_id leaves the assignee alone")

	outsider := f.fx.CreateUser("Outsider")
	_, err = f.tasks.UpdateTask(ctx, f.project.ID, task.ID, services.TaskPatch{
		AssigneeID: services.OptionalUUID{Set: true, Value: &outsider.ID},
	}, f.member.ID)
	requireKind(t, err, apperr.KindBadRequest)

	updated, err = f.tasks.UpdateTask(ctx, f.project.ID, task.ID, services.TaskPatch{
		AssigneeID: services.OptionalUUID{Set: true},
	}, f.member.ID)
	require.NoError(t, err)
	assert.Nil(t, updated.AssigneeID)

	due := time.Date(2031, 3, 4, 12, 0, 0, 0, time.UTC)
	updated, err = f.tasks.UpdateTask(ctx, f.project.ID, task.ID, services.TaskPatch{
		DueDate: services.OptionalTime{Set: true, Value: &due},
	}, f.member.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.DueDate)
	assert.True(t, due.Equal(*updated.DueDate))

	updated, err = f.tasks.UpdateTask(ctx, f.project.ID, task.ID, services.TaskPatch{Title: utils.Pointer("Renamed")}, f.member.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.DueDate, "absent due_date leaves it alone")

	updated, err = f.tasks.UpdateTask(ctx, f.project.ID, task.ID, services.TaskPatch{
		DueDate: services.OptionalTime{Set: true},
	}, f.member.ID)
	require.NoError(t, err)
	assert.Nil(t, updated.DueDate)

	_, err = f.tasks.UpdateTask(ctx, f.project.ID, uuid.New(), services.TaskPatch{}, f.member.ID)
	requireKind(t, err, apperr.KindNotFound)

	_, err = f.tasks.UpdateTask(ctx, f.project.ID, task.ID, services.TaskPatch{Title: utils.Pointer(" ")}, f.member.ID)
	requireKind(t, err, apperr.KindBadRequest)
}

func TestTaskPatchJSON(t *testing.T) {
	t.Parallel()
	id := uuid.New()

	var absent, null, set services.TaskPatch
	require.NoError(t, json.Unmarshal([]byte(`{"title":"x"}`), &absent))
	require.NoError(t, json.Unmarshal([]byte(`{"assignee_id":null}`), &null))
	require.NoError(t, json.Unmarshal([]byte(`{"assignee_id":"`+id.String()+`"}`), &set))

	assert.False(t, absent.AssigneeID.Set)
	assert.True(t, null.AssigneeID.Set)
	assert.Nil(t, null.AssigneeID.Value)
	assert.True(t, set.AssigneeID.Set)
	require.NotNil(t, set.AssigneeID.Value)
	assert.Equal(t, id, *set.AssigneeID.Value)

	var clearDue, setDue services.TaskPatch
	require.NoError(t, json.Unmarshal([]byte(`{"due_date":null}`), &clearDue))
	require.NoError(t, json.Unmarshal([]byte(`{"due_date":"2031-03-04T12:00:00Z"}`), &setDue))
	assert.False(t, absent.DueDate.Set)
	assert.True(t, clearDue.DueDate.Set)
	assert.Nil(t, clearDue.DueDate.Value)
	require.NotNil(t, setDue.DueDate.Value)
	assert.Equal(t, 2031, setDue.DueDate.Value.Year())

	var bad services.TaskPatch
	assert.Error(t, json.Unmarshal([]byte(`{"assignee_id":"nope"}`), &bad))
	assert.Error(t, json.Unmarshal([]byte(`{"due_date":"tomorrow"}`), &bad))
}

func TestDeleteTask(t *testing.T) {
	t.Parallel()
	f := newTaskFixture(t)
	ctx := context.Background()
	task := f.fx.CreateTask(f.project.ID, "Write docs", nil)

	err := f.tasks.DeleteTask(ctx, f.project.ID, task.ID, f.member.ID)
	requireKind(t, err, apperr.KindForbidden)

	require.NoError(t, f.tasks.DeleteTask(ctx, f.project.ID, task.ID, f.admin.ID))
	assert.Zero(t, f.taskCount(t))

	err = f.tasks.DeleteTask(ctx, f.project.ID, task.ID, f.admin.ID)
	requireKind(t, err, apperr.KindNotFound)
}

func TestGetAndListTasks(t *testing.T) {
	t.Parallel()
	f := newTaskFixture(t)
	ctx := context.Background()

	mine := f.fx.CreateTask(f.project.ID, "Mine", &f.member.ID)
	f.fx.CreateTask(f.project.ID, "Unassigned", nil)
	other := f.fx.CreateProject("Other", f.admin.ID)
	foreign := f.fx.CreateTask(other.ID, "Foreign", nil)

	got, err := f.tasks.GetTask(ctx, f.project.ID, mine.ID, f.member.ID)
	require.NoError(t, err)
	assert.Equal(t, "Mine", got.Title)

	// A task id from another project is not visible through this one
	_, err = f.tasks.GetTask(ctx, f.project.ID, foreign.ID, f.member.ID)
	requireKind(t, err, apperr.KindNotFound)

	all, err := f.tasks.ListTasks(ctx, f.project.ID, services.TaskFilter{}, f.member.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	assigned, err := f.tasks.ListTasks(ctx, f.project.ID, services.TaskFilter{AssigneeID: &f.member.ID}, f.member.ID)
	require.NoError(t, err)
	require.Len(t, assigned, 1)
	assert.Equal(t, mine.ID, assigned[0].ID)

	pending := models.TaskStatusPending
	byStatus, err := f.tasks.ListTasks(ctx, f.project.ID, services.TaskFilter{Status: &pending}, f.member.ID)
	require.NoError(t, err)
	assert.Len(t, byStatus, 2)

	invalid := models.TaskStatus("archived")
	_, err = f.tasks.ListTasks(ctx, f.project.ID, services.TaskFilter{Status: &invalid}, f.member.ID)
	requireKind(t, err, apperr.KindBadRequest)

	outsider := f.fx.CreateUser("Outsider")
	_, err = f.tasks.ListTasks(ctx, f.project.ID, services.TaskFilter{}, outsider.ID)
	requireKind(t, err, apperr.KindForbidden)
}
