package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/avtsched/alsasource"
)

func main() {
	var (
		card     uint
		device   uint
		list     bool
		noUpdate bool
	)

	flag.UintVar(&card, "card", 0, "The card number to use.")
	flag.UintVar(&device, "device", 0, "The device number to use.")
	flag.BoolVar(&list, "list", false, "List all controls.")
	flag.BoolVar(&noUpdate, "no-update", false, "Don't update the mixer controls before displaying them.")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] [control] [value]\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "\nOptions:")
		for _, name := range []string{"card", "device", "list", "no-update"} {
			f := flag.Lookup(name)
			if f != nil {
				fmt.Fprintf(os.Stderr, "  --%s\n    \t%v (default %q)\n", f.Name, f.Usage, f.DefValue)
			}
		}
		fmt.Fprintln(os.Stderr, "\nTo set a control, provide the control name or ID and the desired value.")
		fmt.Fprintln(os.Stderr, "If no control is specified, all controls and their values are listed.")
	}

	flag.Parse()

	mixer, err := alsa.MixerOpen(card)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening mixer for card %d: %v\n", card, err)
		os.Exit(1)
	}
	defer mixer.Close()

	if !noUpdate {
		if err := mixer.AddNewCtls(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to add new controls: %v\n", err)
		}
	}

	args := flag.Args()

	if list || len(args) == 0 {
		printAllControls(mixer)

		return
	}

	controlIdentifier := args[0]
	values := args[1:]

	var ctl *alsa.MixerCtl

	if id, err := strconv.ParseUint(controlIdentifier, 10, 32); err == nil {
		ctl, err = mixer.Ctl(uint32(id))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: Cannot find control with ID %d: %v\n", id, err)
			os.Exit(1)
		}
	} else {
		ctl, err = mixer.CtlByName(controlIdentifier)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: Cannot find control with name '%s': %v\n", controlIdentifier, err)
			os.Exit(1)
		}
	}

	if len(values) == 0 {
		printControl(ctl)

		return
	}

	if err := setControlValue(ctl, values[0]); err != nil {
		fmt.Fprintf(os.Stderr, "Error setting value for control '%s': %v\n", ctl.Name(), err)
		os.Exit(1)
	}

	fmt.Printf("Set control '%s' successfully.\n", ctl.Name())
}

// printAllControls lists every enumerated control and its current value where readable.
func printAllControls(mixer *alsa.Mixer) {
	numCtls := mixer.NumCtls()

	fmt.Printf("Mixer card '%s' has %d controls.\n", mixer.Name(), numCtls)
	fmt.Println("---------------------------------------")

	for i := 0; i < numCtls; i++ {
		ctl, err := mixer.CtlByIndex(uint(i))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Could not get control at index %d: %v\n", i, err)

			continue
		}

		printControl(ctl)
	}
}

// printControl prints detailed information about a single mixer control.
func printControl(ctl *alsa.MixerCtl) {
	fmt.Printf("%d: %s (count=%d)\n", ctl.ID(), ctl.Name(), ctl.Count())

	switch ctl.Type() {
	case alsa.SNDRV_CTL_ELEM_TYPE_INTEGER:
		min, max, err := ctl.Range()
		if err == nil {
			fmt.Printf("  Range: %d - %d\n", min, max)
		}

		if v, err := ctl.GetInt(0); err == nil {
			fmt.Printf("  Value: %d\n", v)
		}

		if min, max, ok := ctl.HardwareVolume(); ok {
			fmt.Printf("  Hardware volume path: [%d, %d]\n", min, max)
		} else {
			fmt.Println("  Hardware volume path: declined (range too coarse or not writable)")
		}
	case alsa.SNDRV_CTL_ELEM_TYPE_BOOLEAN:
		if v, err := ctl.GetBool(); err == nil {
			fmt.Printf("  Value: %s\n", map[bool]string{true: "On", false: "Off"}[v])
		}
	default:
		fmt.Println("  Value: <unsupported type for this diagnostic tool>")
	}

	fmt.Println()
}

// setControlValue parses a string argument and sets an integer or boolean control.
func setControlValue(ctl *alsa.MixerCtl, valueStr string) error {
	switch ctl.Type() {
	case alsa.SNDRV_CTL_ELEM_TYPE_INTEGER:
		if strings.HasSuffix(valueStr, "%") {
			pct, err := strconv.Atoi(strings.TrimSuffix(valueStr, "%"))
			if err != nil {
				return fmt.Errorf("invalid percentage value '%s'", valueStr)
			}

			min, max, err := ctl.Range()
			if err != nil {
				return err
			}

			raw := min + (max-min)*int64(pct)/100

			return ctl.SetInt(raw)
		}

		val, err := strconv.ParseInt(valueStr, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer value '%s'", valueStr)
		}

		return ctl.SetInt(val)

	case alsa.SNDRV_CTL_ELEM_TYPE_BOOLEAN:
		on, err := parseBool(valueStr)
		if err != nil {
			return err
		}

		return ctl.SetBool(on)

	default:
		return fmt.Errorf("cannot set value for unsupported control type")
	}
}

// parseBool interprets common string representations of a boolean.
func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "on", "true", "yes":
		return true, nil
	case "0", "off", "false", "no":
		return false, nil
	}

	return false, fmt.Errorf("invalid boolean value '%s'", s)
}
