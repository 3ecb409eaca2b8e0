package board

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/vcfb/internal/config"
	"github.com/tinyrange/vcfb/internal/platform/rpi"
)

// Open builds the board selected by cfg.
func Open(cfg config.Config, log *slog.Logger) (Board, error) {
	if log == nil {
		log = slog.Default()
	}
	switch cfg.Platform {
	case config.PlatformSim:
		return NewEmulated(EmulatedConfig{
			MemoryBase:     cfg.Sim.MemoryBase,
			MemorySize:     cfg.Sim.MemorySize,
			GPUBase:        cfg.Sim.GPUBase,
			GPUSize:        cfg.Sim.GPUSize,
			PeripheralBase: cfg.Mailbox.PeripheralBase,
			BusAlias:       cfg.Mailbox.BusAlias,
			PollInterval:   cfg.Mailbox.PollInterval,
			Logger:         log,
		})
	case config.PlatformRPi:
		b, err := rpi.Open(rpi.Config{
			MemDevice:      cfg.RPi.MemDevice,
			VCIODevice:     cfg.RPi.VCIODevice,
			PeripheralBase: cfg.Mailbox.PeripheralBase,
			BusAlias:       cfg.Mailbox.BusAlias,
			PollInterval:   cfg.Mailbox.PollInterval,
			Logger:         log,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("board: unknown platform %q", cfg.Platform)
	}
}
