package workflow

import (
	"context"
	"testing"
	"time"

	"backend/internal/agency"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupDefinitionTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.New().String() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&agency.User{}, &agency.Role{}, &agency.UserRole{},
		&Workflow{}, &WorkflowStep{}, &WorkflowStepSnapshot{},
		&WorkflowInstance{}, &StepApproval{},
	))
	return db
}

func approvalStep(name, role string) *StepRequest {
	return &StepRequest{
		StepName:     name,
		StepType:     "approval",
		ApproverType: ApproverRole,
		ApproverRole: role,
		IsRequired:   true,
	}
}

func TestCreateWorkflowValidation(t *testing.T) {
	ctx := context.Background()
	svc := NewDefinitionService(setupDefinitionTestDB(t))

	_, err := svc.Create(ctx, "agency-1", &CreateWorkflowRequest{
		Name: "", EntityType: "expense", Type: TypeApproval,
	})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.Create(ctx, "agency-1", &CreateWorkflowRequest{
		Name: "报销审批", EntityType: "", Type: TypeApproval,
	})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.Create(ctx, "agency-1", &CreateWorkflowRequest{
		Name: "报销审批", EntityType: "expense", Type: "unknown",
	})
	require.ErrorIs(t, err, ErrValidation)

	wf, err := svc.Create(ctx, "agency-1", &CreateWorkflowRequest{
		Name: "报销审批", EntityType: "expense", Type: TypeApproval,
	})
	require.NoError(t, err)
	require.Equal(t, 1, wf.Version)
	require.True(t, wf.IsActive)
}

func TestAgencyIsolation(t *testing.T) {
	ctx := context.Background()
	svc := NewDefinitionService(setupDefinitionTestDB(t))

	wf, err := svc.Create(ctx, "agency-a", &CreateWorkflowRequest{
		Name: "报销审批", EntityType: "expense", Type: TypeApproval,
	})
	require.NoError(t, err)

	_, err = svc.Get(ctx, "agency-b", wf.ID)
	require.ErrorIs(t, err, ErrNotFound)

	items, total, err := svc.List(ctx, "agency-b", ListFilter{})
	require.NoError(t, err)
	require.Zero(t, total)
	require.Empty(t, items)
}

func TestSystemWorkflowProtection(t *testing.T) {
	ctx := context.Background()
	db := setupDefinitionTestDB(t)
	svc := NewDefinitionService(db)

	wf := &Workflow{
		ID:         uuid.New().String(),
		AgencyID:   "agency-1",
		Name:       "内置入职流程",
		Type:       TypeApproval,
		EntityType: "onboarding",
		IsActive:   true,
		IsSystem:   true,
		Version:    1,
	}
	require.NoError(t, db.Create(wf).Error)

	name := "改名"
	_, err := svc.Update(ctx, "agency-1", wf.ID, &UpdateWorkflowRequest{Name: &name})
	require.ErrorIs(t, err, ErrImmutableSystemWorkflow)

	// 非结构性字段仍允许修改
	active := false
	updated, err := svc.Update(ctx, "agency-1", wf.ID, &UpdateWorkflowRequest{IsActive: &active})
	require.NoError(t, err)
	require.False(t, updated.IsActive)

	_, err = svc.AddStep(ctx, "agency-1", wf.ID, approvalStep("审批", "hr"))
	require.ErrorIs(t, err, ErrImmutableSystemWorkflow)

	require.ErrorIs(t, svc.Delete(ctx, "agency-1", wf.ID), ErrSystemWorkflowProtected)
}

func TestUpdateLockedAfterInstances(t *testing.T) {
	ctx := context.Background()
	db := setupDefinitionTestDB(t)
	svc := NewDefinitionService(db)

	wf, err := svc.Create(ctx, "agency-1", &CreateWorkflowRequest{
		Name: "报销审批", EntityType: "expense", Type: TypeApproval,
	})
	require.NoError(t, err)

	require.NoError(t, db.Model(&Workflow{}).
		Where("id = ?", wf.ID).
		Update("instance_count", 3).Error)

	entityType := "contract"
	_, err = svc.Update(ctx, "agency-1", wf.ID, &UpdateWorkflowRequest{EntityType: &entityType})
	require.ErrorIs(t, err, ErrWorkflowInUse)

	// 名称仍可修改
	name := "差旅报销审批"
	updated, err := svc.Update(ctx, "agency-1", wf.ID, &UpdateWorkflowRequest{Name: &name})
	require.NoError(t, err)
	require.Equal(t, name, updated.Name)
}

func TestDeleteRejectedWithLiveInstances(t *testing.T) {
	ctx := context.Background()
	db := setupDefinitionTestDB(t)
	svc := NewDefinitionService(db)

	wf, err := svc.Create(ctx, "agency-1", &CreateWorkflowRequest{
		Name: "报销审批", EntityType: "expense", Type: TypeApproval,
	})
	require.NoError(t, err)

	instance := &WorkflowInstance{
		ID:               uuid.New().String(),
		AgencyID:         "agency-1",
		WorkflowID:       wf.ID,
		WorkflowVersion:  1,
		TargetEntityType: "expense",
		TargetEntityID:   "exp-1",
		Status:           StatusInProgress,
	}
	require.NoError(t, db.Create(instance).Error)

	require.ErrorIs(t, svc.Delete(ctx, "agency-1", wf.ID), ErrWorkflowInUse)

	// 实例结束后可删除，且为软删除
	require.NoError(t, db.Model(instance).Updates(map[string]any{
		"status": StatusApproved, "completed_at": time.Now().UTC(),
	}).Error)
	require.NoError(t, svc.Delete(ctx, "agency-1", wf.ID))

	_, err = svc.Get(ctx, "agency-1", wf.ID)
	require.ErrorIs(t, err, ErrNotFound)

	var raw Workflow
	require.NoError(t, db.Unscoped().Where("id = ?", wf.ID).First(&raw).Error)
	require.NotNil(t, raw.DeletedAt)
}

func TestAddStepVersionAndInsertShift(t *testing.T) {
	ctx := context.Background()
	svc := NewDefinitionService(setupDefinitionTestDB(t))

	wf, err := svc.Create(ctx, "agency-1", &CreateWorkflowRequest{
		Name: "报销审批", EntityType: "expense", Type: TypeApproval,
	})
	require.NoError(t, err)

	s1, err := svc.AddStep(ctx, "agency-1", wf.ID, approvalStep("直属上级", "manager"))
	require.NoError(t, err)
	require.Equal(t, 1, s1.StepNumber)

	s2, err := svc.AddStep(ctx, "agency-1", wf.ID, approvalStep("财务", "finance"))
	require.NoError(t, err)
	require.Equal(t, 2, s2.StepNumber)

	// 插入到位置 2，原财务步骤顺移到 3
	inserted := approvalStep("合规", "compliance")
	inserted.StepNumber = 2
	s3, err := svc.AddStep(ctx, "agency-1", wf.ID, inserted)
	require.NoError(t, err)
	require.Equal(t, 2, s3.StepNumber)

	steps, err := svc.ListSteps(ctx, "agency-1", wf.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	require.Equal(t, []string{"直属上级", "合规", "财务"},
		[]string{steps[0].StepName, steps[1].StepName, steps[2].StepName})
	require.Equal(t, []int{1, 2, 3},
		[]int{steps[0].StepNumber, steps[1].StepNumber, steps[2].StepNumber})

	// 每次步骤编辑递增版本：1 + 3 次 AddStep
	current, err := svc.Get(ctx, "agency-1", wf.ID)
	require.NoError(t, err)
	require.Equal(t, 4, current.Version)
	require.Equal(t, 3, current.StepCount)
}

func TestUpdateStepReorderClampsNumber(t *testing.T) {
	ctx := context.Background()
	svc := NewDefinitionService(setupDefinitionTestDB(t))

	wf, err := svc.Create(ctx, "agency-1", &CreateWorkflowRequest{
		Name: "报销审批", EntityType: "expense", Type: TypeApproval,
	})
	require.NoError(t, err)

	_, err = svc.AddStep(ctx, "agency-1", wf.ID, approvalStep("直属上级", "manager"))
	require.NoError(t, err)
	compliance, err := svc.AddStep(ctx, "agency-1", wf.ID, approvalStep("合规", "compliance"))
	require.NoError(t, err)
	_, err = svc.AddStep(ctx, "agency-1", wf.ID, approvalStep("财务", "finance"))
	require.NoError(t, err)

	// 目标位越界收敛到末位，编号保持连续
	moved := approvalStep("合规", "compliance")
	moved.StepNumber = 99
	updated, err := svc.UpdateStep(ctx, "agency-1", wf.ID, compliance.ID, moved)
	require.NoError(t, err)
	require.Equal(t, 3, updated.StepNumber)

	steps, err := svc.ListSteps(ctx, "agency-1", wf.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	require.Equal(t, []string{"直属上级", "财务", "合规"},
		[]string{steps[0].StepName, steps[1].StepName, steps[2].StepName})
	require.Equal(t, []int{1, 2, 3},
		[]int{steps[0].StepNumber, steps[1].StepNumber, steps[2].StepNumber})

	// 普通前移同样重排兄弟步骤
	moved = approvalStep("合规", "compliance")
	moved.StepNumber = 1
	updated, err = svc.UpdateStep(ctx, "agency-1", wf.ID, compliance.ID, moved)
	require.NoError(t, err)
	require.Equal(t, 1, updated.StepNumber)

	steps, err = svc.ListSteps(ctx, "agency-1", wf.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"合规", "直属上级", "财务"},
		[]string{steps[0].StepName, steps[1].StepName, steps[2].StepName})
	require.Equal(t, []int{1, 2, 3},
		[]int{steps[0].StepNumber, steps[1].StepNumber, steps[2].StepNumber})
}

func TestParallelStepSharesNumber(t *testing.T) {
	ctx := context.Background()
	svc := NewDefinitionService(setupDefinitionTestDB(t))

	wf, err := svc.Create(ctx, "agency-1", &CreateWorkflowRequest{
		Name: "合同审批", EntityType: "contract", Type: TypeApproval,
	})
	require.NoError(t, err)

	_, err = svc.AddStep(ctx, "agency-1", wf.ID, approvalStep("法务", "legal"))
	require.NoError(t, err)

	parallel := approvalStep("财务", "finance")
	parallel.StepNumber = 1
	parallel.IsParallel = true
	member, err := svc.AddStep(ctx, "agency-1", wf.ID, parallel)
	require.NoError(t, err)
	require.Equal(t, 1, member.StepNumber)

	steps, err := svc.ListSteps(ctx, "agency-1", wf.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Equal(t, steps[0].StepNumber, steps[1].StepNumber)
}

func TestDeleteStepRenumbers(t *testing.T) {
	ctx := context.Background()
	svc := NewDefinitionService(setupDefinitionTestDB(t))

	wf, err := svc.Create(ctx, "agency-1", &CreateWorkflowRequest{
		Name: "报销审批", EntityType: "expense", Type: TypeApproval,
	})
	require.NoError(t, err)

	_, err = svc.AddStep(ctx, "agency-1", wf.ID, approvalStep("一级", "l1"))
	require.NoError(t, err)
	mid, err := svc.AddStep(ctx, "agency-1", wf.ID, approvalStep("二级", "l2"))
	require.NoError(t, err)
	_, err = svc.AddStep(ctx, "agency-1", wf.ID, approvalStep("三级", "l3"))
	require.NoError(t, err)

	require.NoError(t, svc.DeleteStep(ctx, "agency-1", wf.ID, mid.ID))

	steps, err := svc.ListSteps(ctx, "agency-1", wf.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Equal(t, 1, steps[0].StepNumber)
	require.Equal(t, 2, steps[1].StepNumber)
	require.Equal(t, "三级", steps[1].StepName)
}

func TestDeleteStepInUse(t *testing.T) {
	ctx := context.Background()
	db := setupDefinitionTestDB(t)
	svc := NewDefinitionService(db)

	wf, err := svc.Create(ctx, "agency-1", &CreateWorkflowRequest{
		Name: "报销审批", EntityType: "expense", Type: TypeApproval,
	})
	require.NoError(t, err)
	step, err := svc.AddStep(ctx, "agency-1", wf.ID, approvalStep("财务", "finance"))
	require.NoError(t, err)

	instance := &WorkflowInstance{
		ID:                uuid.New().String(),
		AgencyID:          "agency-1",
		WorkflowID:        wf.ID,
		WorkflowVersion:   2,
		TargetEntityType:  "expense",
		TargetEntityID:    "exp-1",
		CurrentStepNumber: 1,
		Status:            StatusInProgress,
	}
	require.NoError(t, db.Create(instance).Error)
	require.NoError(t, db.Create(&StepApproval{
		ID:         uuid.New().String(),
		AgencyID:   "agency-1",
		InstanceID: instance.ID,
		StepNumber: 1,
		IsRequired: true,
		ApproverID: uuid.New().String(),
		Decision:   DecisionPending,
		OpenedAt:   time.Now().UTC(),
	}).Error)

	require.ErrorIs(t, svc.DeleteStep(ctx, "agency-1", wf.ID, step.ID), ErrStepInUse)
}

func TestStepRequestValidation(t *testing.T) {
	ctx := context.Background()
	svc := NewDefinitionService(setupDefinitionTestDB(t))

	wf, err := svc.Create(ctx, "agency-1", &CreateWorkflowRequest{
		Name: "报销审批", EntityType: "expense", Type: TypeApproval,
	})
	require.NoError(t, err)

	// role 类型必须带角色
	_, err = svc.AddStep(ctx, "agency-1", wf.ID, &StepRequest{
		StepName: "审批", ApproverType: ApproverRole,
	})
	require.ErrorIs(t, err, ErrValidation)

	// user 类型必须带邮箱
	_, err = svc.AddStep(ctx, "agency-1", wf.ID, &StepRequest{
		StepName: "审批", ApproverType: ApproverUser,
	})
	require.ErrorIs(t, err, ErrValidation)

	// 升级必须早于超时
	bad := approvalStep("审批", "finance")
	bad.TimeoutHours = 24
	bad.EscalationEnabled = true
	bad.EscalationAfterHours = 24
	_, err = svc.AddStep(ctx, "agency-1", wf.ID, bad)
	require.ErrorIs(t, err, ErrValidation)
}
