package permissions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/casbin/casbin/v2"
	casbinmodel "github.com/casbin/casbin/v2/model"
	mongodbadapter "github.com/casbin/mongodb-adapter/v3"
	"go.mongodb.org/mongo-driver/mongo"
)

// adminModel is the Casbin RBAC model for the administrator capability.
const adminModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = (g(r.sub, p.sub) || r.sub == p.sub) && r.obj == p.obj && r.act == p.act
`

const (
	adminObject = "lifecycle"
	adminAction = "admin"
)

// CasbinAdminChecker resolves the global-administrator capability from
// Casbin policies persisted in MongoDB.
type CasbinAdminChecker struct {
	enforcer *casbin.Enforcer
}

// NewCasbinAdminChecker creates a checker backed by the given MongoDB
// client. Policies live in the casbin_policies collection.
func NewCasbinAdminChecker(mongoClient *mongo.Client, dbName string) (*CasbinAdminChecker, error) {
	adapterConfig := &mongodbadapter.AdapterConfig{
		DatabaseName:   dbName,
		CollectionName: "casbin_policies",
	}

	adapter, err := mongodbadapter.NewAdapterByDB(mongoClient, adapterConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Casbin MongoDB adapter: %w", err)
	}

	m, err := casbinmodel.NewModelFromString(adminModel)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Casbin model: %w", err)
	}

	enforcer, err := casbin.NewEnforcer(m, adapter)
	if err != nil {
		return nil, fmt.Errorf("failed to create Casbin enforcer: %w", err)
	}

	enforcer.EnableAutoSave(true)

	if err := enforcer.LoadPolicy(); err != nil {
		return nil, fmt.Errorf("failed to load Casbin policies: %w", err)
	}

	slog.Info("Casbin admin checker initialized",
		"adapter", "mongodb",
		"collection", "casbin_policies")

	return &CasbinAdminChecker{enforcer: enforcer}, nil
}

// IsAdmin reports whether the user holds the administrator capability
func (c *CasbinAdminChecker) IsAdmin(_ context.Context, userID string) (bool, error) {
	return c.enforcer.Enforce(userID, adminObject, adminAction)
}

// GrantAdmin grants the administrator capability to a user
func (c *CasbinAdminChecker) GrantAdmin(userID string) error {
	_, err := c.enforcer.AddPolicy(userID, adminObject, adminAction)
	return err
}

// RevokeAdmin removes the administrator capability from a user
func (c *CasbinAdminChecker) RevokeAdmin(userID string) error {
	_, err := c.enforcer.RemovePolicy(userID, adminObject, adminAction)
	return err
}
