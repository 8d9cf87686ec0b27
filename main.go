// Package main serves the spacemouse teleoperation module: a SpaceMouse
// input controller, an SE(2) remote-control service, and a differential CAN
// base.
package main

import (
	"context"

	"github.com/edaniels/golog"
	goutils "go.viam.com/utils"

	"go.viam.com/rdk/components/base"
	"go.viam.com/rdk/components/input"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/services/baseremotecontrol"

	"spacemousemod/canbase"
	"spacemousemod/controller"
	"spacemousemod/teleop"
)

func main() {
	logger := logging.FromZapCompatible(golog.NewDevelopmentLogger("spacemouseModule"))
	goutils.ContextualMain(mainWithArgs, logger)
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	m, err := module.NewModuleFromArgs(ctx, logger)
	if err != nil {
		return err
	}

	if err := m.AddModelFromRegistry(ctx, input.API, controller.Model); err != nil {
		return err
	}
	if err := m.AddModelFromRegistry(ctx, baseremotecontrol.API, teleop.Model); err != nil {
		return err
	}
	if err := m.AddModelFromRegistry(ctx, base.API, canbase.Model); err != nil {
		return err
	}

	err = m.Start(ctx)
	defer m.Close(ctx)
	if err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}
