package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeEnqueuer 收集入队请求，不经过 Redis
type fakeEnqueuer struct {
	payloads []*StartInstancePayload
}

func (e *fakeEnqueuer) EnqueueStartInstance(ctx context.Context, payload *StartInstancePayload) error {
	e.payloads = append(e.payloads, payload)
	return nil
}

func TestDispatchMatchesByEntityAndEvent(t *testing.T) {
	ctx := context.Background()
	db := setupDefinitionTestDB(t)
	defs := NewDefinitionService(db)
	enqueuer := &fakeEnqueuer{}
	triggers := NewTriggerService(db, enqueuer)

	wf, err := defs.Create(ctx, "agency-1", &CreateWorkflowRequest{
		Name:         "报销审批",
		EntityType:   "expense",
		Type:         TypeApproval,
		TriggerEvent: "submitted",
	})
	require.NoError(t, err)

	// 实体类型或事件不符的都不匹配
	matched, err := triggers.Dispatch(ctx, &Event{
		AgencyID: "agency-1", EntityType: "contract", Event: "submitted", EntityID: "ct-1",
	})
	require.NoError(t, err)
	require.Zero(t, matched)

	matched, err = triggers.Dispatch(ctx, &Event{
		AgencyID: "agency-1", EntityType: "expense", Event: "created", EntityID: "exp-1",
	})
	require.NoError(t, err)
	require.Zero(t, matched)

	// 命中：入队一个启动任务
	matched, err = triggers.Dispatch(ctx, &Event{
		AgencyID: "agency-1", EntityType: "expense", Event: "submitted",
		EntityID: "exp-1", ActorID: "user-1",
	})
	require.NoError(t, err)
	require.Equal(t, 1, matched)
	require.Len(t, enqueuer.payloads, 1)
	require.Equal(t, wf.ID, enqueuer.payloads[0].WorkflowID)
	require.Equal(t, "exp-1", enqueuer.payloads[0].TargetEntityID)
	require.Equal(t, "user-1", enqueuer.payloads[0].StartedBy)
}

func TestDispatchEvaluatesCondition(t *testing.T) {
	ctx := context.Background()
	db := setupDefinitionTestDB(t)
	defs := NewDefinitionService(db)
	enqueuer := &fakeEnqueuer{}
	triggers := NewTriggerService(db, enqueuer)

	_, err := defs.Create(ctx, "agency-1", &CreateWorkflowRequest{
		Name:             "大额报销审批",
		EntityType:       "expense",
		Type:             TypeApproval,
		TriggerEvent:     "submitted",
		TriggerCondition: "amount > 1000",
	})
	require.NoError(t, err)

	// 条件不满足
	matched, err := triggers.Dispatch(ctx, &Event{
		AgencyID: "agency-1", EntityType: "expense", Event: "submitted",
		EntityID: "exp-1", Payload: map[string]any{"amount": 500.0},
	})
	require.NoError(t, err)
	require.Zero(t, matched)

	// 条件满足
	matched, err = triggers.Dispatch(ctx, &Event{
		AgencyID: "agency-1", EntityType: "expense", Event: "submitted",
		EntityID: "exp-2", Payload: map[string]any{"amount": 5000.0},
	})
	require.NoError(t, err)
	require.Equal(t, 1, matched)

	// payload 缺少变量：求值失败视为不匹配，不报错
	matched, err = triggers.Dispatch(ctx, &Event{
		AgencyID: "agency-1", EntityType: "expense", Event: "submitted", EntityID: "exp-3",
	})
	require.NoError(t, err)
	require.Zero(t, matched)
}

func TestDispatchSkipsInactiveAndOtherAgencies(t *testing.T) {
	ctx := context.Background()
	db := setupDefinitionTestDB(t)
	defs := NewDefinitionService(db)
	enqueuer := &fakeEnqueuer{}
	triggers := NewTriggerService(db, enqueuer)

	wf, err := defs.Create(ctx, "agency-1", &CreateWorkflowRequest{
		Name:         "报销审批",
		EntityType:   "expense",
		Type:         TypeApproval,
		TriggerEvent: "submitted",
	})
	require.NoError(t, err)

	// 其他机构的事件不会命中
	matched, err := triggers.Dispatch(ctx, &Event{
		AgencyID: "agency-2", EntityType: "expense", Event: "submitted", EntityID: "exp-1",
	})
	require.NoError(t, err)
	require.Zero(t, matched)

	// 停用后不再命中
	active := false
	_, err = defs.Update(ctx, "agency-1", wf.ID, &UpdateWorkflowRequest{IsActive: &active})
	require.NoError(t, err)

	matched, err = triggers.Dispatch(ctx, &Event{
		AgencyID: "agency-1", EntityType: "expense", Event: "submitted", EntityID: "exp-1",
	})
	require.NoError(t, err)
	require.Zero(t, matched)
}

func TestDispatchValidation(t *testing.T) {
	db := setupDefinitionTestDB(t)
	triggers := NewTriggerService(db, &fakeEnqueuer{})

	_, err := triggers.Dispatch(context.Background(), &Event{
		AgencyID: "agency-1", EntityType: "expense", Event: "",
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestDispatchMultipleWorkflows(t *testing.T) {
	ctx := context.Background()
	db := setupDefinitionTestDB(t)
	defs := NewDefinitionService(db)
	enqueuer := &fakeEnqueuer{}
	triggers := NewTriggerService(db, enqueuer)

	for _, name := range []string{"审批流 A", "审批流 B"} {
		_, err := defs.Create(ctx, "agency-1", &CreateWorkflowRequest{
			Name:         name,
			EntityType:   "expense",
			Type:         TypeApproval,
			TriggerEvent: "submitted",
		})
		require.NoError(t, err)
	}

	matched, err := triggers.Dispatch(ctx, &Event{
		AgencyID: "agency-1", EntityType: "expense", Event: "submitted", EntityID: "exp-1",
	})
	require.NoError(t, err)
	require.Equal(t, 2, matched)
	require.Len(t, enqueuer.payloads, 2)
}
