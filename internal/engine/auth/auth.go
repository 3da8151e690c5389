package auth

import (
	"fmt"
	"sort"

	"wastesync/internal/config"
)

// Permissions checked by the API and the CLI.
const (
	PermItemCreate          = "item.create"
	PermItemRead            = "item.read"
	PermItemTransition      = "item.transition"
	PermItemTransitionForce = "item.transition.force"
	PermItemArchive         = "item.archive"
	PermItemRestore         = "item.restore"
	PermItemPurge           = "item.purge"
	PermNotificationPublish = "notification.publish"
	PermNotificationRead    = "notification.read"
	PermFeedSubscribe       = "feed.subscribe"
	PermFeedSubscribeAll    = "feed.subscribe.all"
	PermSyncWarningsRead    = "sync.warnings.read"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// UnknownRoleError is returned for a role the config does not define.
type UnknownRoleError struct {
	Role string
}

func (e UnknownRoleError) Error() string {
	return fmt.Sprintf("unknown role %s", e.Role)
}

// Principal is an authenticated actor acting under one role.
type Principal struct {
	ActorID     string
	Role        string
	Permissions map[string]bool
}

// Service resolves roles to permissions from the rbac section of the config.
type Service struct {
	Config *config.Config
}

func (s Service) Principal(actorID, role string) (Principal, error) {
	if actorID == "" {
		return Principal{}, fmt.Errorf("actor_id required")
	}
	if s.Config == nil {
		return Principal{}, fmt.Errorf("config not loaded")
	}
	r, ok := s.Config.RBAC.Roles[role]
	if !ok {
		return Principal{}, UnknownRoleError{Role: role}
	}
	perms := make(map[string]bool, len(r.Permissions))
	for _, p := range r.Permissions {
		perms[p] = true
	}
	return Principal{ActorID: actorID, Role: role, Permissions: perms}, nil
}

func (p Principal) Has(perm string) bool {
	return p.Permissions[perm]
}

// Require returns ForbiddenError unless p holds perm.
func (p Principal) Require(perm string) error {
	if !p.Has(perm) {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

// PermissionList returns the principal's permissions sorted.
func (p Principal) PermissionList() []string {
	out := make([]string, 0, len(p.Permissions))
	for perm := range p.Permissions {
		out = append(out, perm)
	}
	sort.Strings(out)
	return out
}
