package service

import (
	"go.uber.org/fx"
)

var (
	Module = fx.Provide(
		NewAccounts,
		NewSettingsStore,
		NewVisibilityEngine,
		NewQuotaEnforcer,
		NewEventRecorder,
		NewEventFilter,
		NewFaviconFetcher,
		NewBookmarks,
	)
)
