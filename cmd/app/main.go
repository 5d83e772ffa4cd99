package main

import (
	"go.uber.org/fx"

	"github.com/quillmail/marks/internal/config"
	"github.com/quillmail/marks/internal/db"
	"github.com/quillmail/marks/internal/logger"
	"github.com/quillmail/marks/internal/service"
	"github.com/quillmail/marks/internal/transport"
)

func main() {
	app := fx.New(
		fx.Provide(
			config.NewConfig,
			logger.New,
			db.NewGormClient,
		),
		service.Module,
		fx.Provide(transport.NewHTTPServer),
		fx.Invoke(func(*transport.HTTPServer) {}),
	)

	app.Run()
}
