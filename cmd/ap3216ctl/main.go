// ap3216ctl talks to an AP3216 directly over I2C, without the meter server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
	"github.com/ztkent/ap3216-meter/ap3216"
	"github.com/ztkent/ap3216-meter/internal/i2cbus"
	"github.com/ztkent/ap3216-meter/internal/meter"
)

var version = "dev"

var (
	backend string
	busName string
)

func main() {
	root := &cobra.Command{
		Use:   "ap3216ctl",
		Short: "Read and configure an AP3216 light and proximity sensor",
		Long: `ap3216ctl reads and configures an AP3216 ambient light and proximity
sensor attached to a Linux I2C bus.

Commands:
  read              Take one reading, or keep reading with --watch
  dump              Print every named register
  init              Reset the sensor into continuous ALS+PS mode
  mode <name>       Set the operating mode
  range <lux>       Set the ALS lux range
  status            Show pending interrupts, optionally clearing them
  configure         Apply a JSON settings file`,
		Version:      version,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&backend, "backend", i2cbus.BackendDevfs, "I2C backend (devfs or periph)")
	root.PersistentFlags().StringVar(&busName, "bus", "", "I2C bus (device path for devfs, bus name for periph)")

	root.AddCommand(
		readCmd(),
		dumpCmd(),
		initCmd(),
		modeCmd(),
		rangeCmd(),
		statusCmd(),
		configureCmd(),
	)

	if err := fang.Execute(context.Background(), root); err != nil {
		os.Exit(1)
	}
}

// withSensor opens the bus and syncs the stored mode and lux range from the
// device, so output and lux conversions match whatever a previous run configured.
func withSensor(fn func(a *ap3216.AP3216) error) error {
	name := busName
	if name == "" && (backend == i2cbus.BackendDevfs || backend == "") {
		name = i2cbus.DefaultDevfsPath
	}
	bus, err := i2cbus.Open(backend, name)
	if err != nil {
		return err
	}
	defer bus.Close()

	a := ap3216.New(bus)
	if err := a.SyncFromDevice(); err != nil {
		return err
	}
	return fn(a)
}

func readCmd() *cobra.Command {
	var asJSON bool
	var watch time.Duration

	cmd := &cobra.Command{
		Use:   "read",
		Short: "Take a reading",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return withSensor(func(a *ap3216.AP3216) error {
				// Anything but continuous ALS+PS leaves stale data registers,
				// so trigger a conversion for each reading.
				oneShot := a.Mode != ap3216.AP3216_ALS_PS
				if oneShot {
					fmt.Fprintf(os.Stderr, "sensor is in %s mode, taking one-shot readings\n", a.Mode)
				}
				for {
					if oneShot {
						if err := a.SetMode(ap3216.AP3216_ALS_PS_ONCE); err != nil {
							return err
						}
						time.Sleep(ap3216.AP3216_ALS_PS_CONVERSION_TIME)
					}
					r, err := a.Read()
					if err != nil {
						return err
					}
					if err := printReading(r, a.LuxRange, asJSON); err != nil {
						return err
					}
					if watch <= 0 {
						return nil
					}
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(watch):
					}
				}
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per reading")
	cmd.Flags().DurationVar(&watch, "watch", 0, "keep reading at this interval")
	return cmd
}

func printReading(r ap3216.Reading, luxRange ap3216.LuxRange, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(os.Stdout).Encode(meter.Conditions{
			Lux:            r.Lux,
			RawALS:         r.RawALS,
			IR:             r.IR,
			IROverflow:     r.IROverflow,
			Proximity:      r.Proximity,
			ProximityValid: r.ProximityValid,
			ObjectNear:     r.ObjectNear,
			IntStatus:      r.IntStatus.String(),
			LuxRange:       luxRange.String(),
			CreatedAt:      time.Now().UTC(),
		})
	}
	fmt.Printf("lux=%.3f raw=%d ir=%d overflow=%t ps=%d valid=%t near=%t int=%s range=%s\n",
		r.Lux, r.RawALS, r.IR, r.IROverflow, r.Proximity, r.ProximityValid, r.ObjectNear, r.IntStatus, luxRange)
	return nil
}

func dumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print every named register",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSensor(func(a *ap3216.AP3216) error {
				values, err := a.DumpRegisters()
				if err != nil {
					return err
				}
				for _, v := range values {
					fmt.Printf("0x%02X %-24s 0x%02X\n", v.Addr, v.Name, v.Value)
				}
				return nil
			})
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Reset the sensor into continuous ALS+PS mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSensor(func(a *ap3216.AP3216) error {
				if err := a.Init(); err != nil {
					return err
				}
				fmt.Printf("mode=%s range=%s\n", a.Mode, a.LuxRange)
				return nil
			})
		},
	}
}

func modeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mode <name>",
		Short: "Set the operating mode (power-down, als, ps, als-ps, reset, als-once, ps-once, als-ps-once)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := ap3216.ParseMode(args[0])
			if err != nil {
				return err
			}
			return withSensor(func(a *ap3216.AP3216) error {
				if err := a.SetMode(mode); err != nil {
					return err
				}
				fmt.Println(a.Mode)
				return nil
			})
		},
	}
}

func rangeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "range <lux>",
		Short: "Set the ALS lux range (20661, 5162, 1291 or 323)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lux, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid lux range: %w", err)
			}
			r, err := ap3216.ParseLuxRange(lux)
			if err != nil {
				return err
			}
			return withSensor(func(a *ap3216.AP3216) error {
				if err := a.SetLuxRange(r); err != nil {
					return err
				}
				fmt.Println(a.LuxRange)
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	var clearInt bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pending interrupts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSensor(func(a *ap3216.AP3216) error {
				status, err := a.GetIntStatus()
				if err != nil {
					return err
				}
				manner, err := a.GetIntClearManner()
				if err != nil {
					return err
				}
				clearMode := "on-read"
				if manner == ap3216.AP3216_CLR_INT_MANUALLY {
					clearMode = "manual"
				}
				fmt.Printf("interrupts=%s clear=%s\n", status, clearMode)
				if clearInt && status != ap3216.AP3216_NO_INT {
					if err := a.ClearInterrupt(status); err != nil {
						return err
					}
					fmt.Println("cleared")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&clearInt, "clear", false, "clear pending interrupts")
	return cmd
}

func configureCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Apply a JSON settings file",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()

			var settings meter.SensorSettings
			dec := json.NewDecoder(f)
			dec.DisallowUnknownFields()
			if err := dec.Decode(&settings); err != nil {
				return fmt.Errorf("invalid settings file: %w", err)
			}
			return withSensor(func(a *ap3216.AP3216) error {
				if err := settings.Apply(a); err != nil {
					return err
				}
				fmt.Printf("mode=%s range=%s\n", a.Mode, a.LuxRange)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "settings file")
	cmd.MarkFlagRequired("file")
	return cmd
}
