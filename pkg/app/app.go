package app

import (
	"github.com/benidevo/minicon/pkg/config"
	"github.com/benidevo/minicon/pkg/container"
	"github.com/benidevo/minicon/pkg/log"
	"github.com/sirupsen/logrus"
)

// App struct
type App struct {
	Config  *config.AppConfig
	Log     *logrus.Entry
	Manager *container.Manager
}

// NewApp bootstrap a new application
func NewApp(config *config.AppConfig) (*App, error) {
	app := &App{
		Config: config,
	}
	app.Log = log.NewLogger(config)
	app.Manager = container.NewManager(config, app.Log)
	return app, nil
}

// KnownError takes an error and tells us whether it's an error that we know about where we can print a
// nicely formatted version of it rather than panicking with a stack trace
func (app *App) KnownError(err error) (string, bool) {
	for _, code := range []int{container.Validation, container.NotFound, container.WrongState, container.Security} {
		if container.HasErrorCode(err, code) {
			return err.Error(), true
		}
	}
	return "", false
}
