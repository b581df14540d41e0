package api

import "net/http"

// Access is who may call an endpoint.
type Access int

const (
	Public Access = iota
	Authenticated
	Admin
)

// Authentication endpoints
const (
	AuthRegister               = "/auth/register"
	AuthLogin                  = "/auth/login"
	AuthCompleteTwoFactorLogin = "/auth/complete-2fa-login"
	AuthLogout                 = "/auth/logout"
	AuthMe                     = "/auth/me"
)

// Two-factor management endpoints
const (
	TwoFactorSetup               = "/2fa/setup"
	TwoFactorVerifySetup         = "/2fa/verify-setup"
	TwoFactorDisable             = "/2fa/disable"
	TwoFactorGenerateBackupCodes = "/2fa/generate-backup-codes"
	TwoFactorStatus              = "/2fa/status"
)

// Admin endpoints
const (
	AdminSweepSessions = "/admin/sessions/sweep"
)

type Endpoint struct {
	Method string
	Path   string
	Access Access
}

// Endpoints is the full auth surface. Logout is public because the bearer
// token is optional there.
var Endpoints = []Endpoint{
	{http.MethodPost, AuthRegister, Public},
	{http.MethodPost, AuthLogin, Public},
	{http.MethodPost, AuthCompleteTwoFactorLogin, Public},
	{http.MethodPost, AuthLogout, Public},
	{http.MethodGet, AuthMe, Authenticated},

	{http.MethodPost, TwoFactorSetup, Authenticated},
	{http.MethodPost, TwoFactorVerifySetup, Authenticated},
	{http.MethodPost, TwoFactorDisable, Authenticated},
	{http.MethodPost, TwoFactorGenerateBackupCodes, Authenticated},
	{http.MethodGet, TwoFactorStatus, Authenticated},

	{http.MethodPost, AdminSweepSessions, Admin},
}
