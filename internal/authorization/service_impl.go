package authorization

import (
	"context"
	_ "embed"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	obscontext "github.com/smallbiznis/playmaker/internal/observability/context"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	RoleUser   = "user"
	RoleAdmin  = "admin"
	RoleSystem = "system"
)

const ObjectInvoice = "invoice"

const (
	ActionInvoiceView         = "invoice.view"
	ActionInvoiceCreate       = "invoice.create"
	ActionInvoicePay          = "invoice.pay"
	ActionInvoiceCancel       = "invoice.cancel"
	ActionInvoiceRecheck      = "invoice.recheck"
	ActionInvoiceRecheckAny   = "invoice.recheck_any"
	ActionInvoiceReconcile    = "invoice.reconcile"
	ActionInvoiceReconcileAll = "invoice.reconcile_all"
	ActionInvoiceSimulatePaid = "invoice.simulate_paid"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, role string, object string, action string) error {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	allowed, err := s.enforcer.Enforce(subject(role), object, action)
	if err != nil {
		return err
	}
	if !allowed {
		actorType, actorID := obscontext.ActorFromContext(ctx)
		s.log.Info("authorization denied",
			zap.String("role", role),
			zap.String("object", object),
			zap.String("action", action),
			zap.String("actor_type", actorType),
			zap.String("actor_id", actorID),
		)
		return ErrForbidden
	}
	return nil
}

func subject(role string) string {
	return "role:" + role
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Users act on their own invoices; ownership is checked by the caller.
		{subject(RoleUser), ObjectInvoice, ActionInvoiceView},
		{subject(RoleUser), ObjectInvoice, ActionInvoiceCreate},
		{subject(RoleUser), ObjectInvoice, ActionInvoicePay},
		{subject(RoleUser), ObjectInvoice, ActionInvoiceCancel},
		{subject(RoleUser), ObjectInvoice, ActionInvoiceRecheck},
		{subject(RoleUser), ObjectInvoice, ActionInvoiceReconcile},

		{subject(RoleAdmin), ObjectInvoice, ActionInvoiceRecheckAny},
		{subject(RoleAdmin), ObjectInvoice, ActionInvoiceReconcileAll},
		{subject(RoleAdmin), ObjectInvoice, ActionInvoiceSimulatePaid},

		// Scheduled sweeps.
		{subject(RoleSystem), ObjectInvoice, ActionInvoiceRecheckAny},
		{subject(RoleSystem), ObjectInvoice, ActionInvoiceReconcileAll},
	}
	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	if _, err := enforcer.AddGroupingPolicy(subject(RoleAdmin), subject(RoleUser)); err != nil {
		return err
	}
	return nil
}
