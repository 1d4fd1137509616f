package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

func printTable(w io.Writer, headers []string, rows [][]string) error {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...)
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func (a *app) devicesCommand() *cobra.Command {
	var known bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List attached receivers and record them in the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newStack(a.cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			if known {
				devices, err := s.dir.Enumerate()
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(devices))
				for _, d := range devices {
					rows = append(rows, []string{d.Serial, strconv.Itoa(d.Index), d.Name, d.Manufacturer, d.Product,
						d.FirstSeen.Format(time.RFC3339), d.LastSeen.Format(time.RFC3339)})
				}
				return printTable(cmd.OutOrStdout(),
					[]string{"SERIAL", "INDEX", "NAME", "MANUFACTURER", "PRODUCT", "FIRST SEEN", "LAST SEEN"}, rows)
			}

			statuses, err := s.dir.Initialize()
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(statuses))
			for _, st := range statuses {
				rows = append(rows, []string{st.Serial, strconv.Itoa(st.Index), st.Name, st.Manufacturer, st.Product,
					strconv.FormatBool(st.Accessible), st.Error})
			}
			return printTable(cmd.OutOrStdout(),
				[]string{"SERIAL", "INDEX", "NAME", "MANUFACTURER", "PRODUCT", "ACCESSIBLE", "ERROR"}, rows)
		},
	}
	cmd.Flags().BoolVar(&known, "known", false, "List every receiver recorded in the database instead of probing")
	return cmd
}

func (a *app) infoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info <serial>",
		Short: "Show a receiver's identity and current parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newStack(a.cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			d, err := s.find(args[0])
			if err != nil {
				return err
			}
			info, err := s.ctrl.DeviceInfo(cmd.Context(), d)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		},
	}
}

func (a *app) setCommand() *cobra.Command {
	var (
		freq, rate uint32
		gain, ppm  int
		gainMode   string
	)
	cmd := &cobra.Command{
		Use:   "set <serial>",
		Short: "Change receiver parameters",
		Long: `Change one or more parameters of a receiver. Parameters are applied in the
order gain mode, gain, sample rate, frequency, frequency correction. Gain is
in tenths of a dB.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			manual := false
			if flags.Changed("gain-mode") {
				switch gainMode {
				case "manual":
					manual = true
				case "auto":
				default:
					return fmt.Errorf("--gain-mode must be manual or auto, got %q", gainMode)
				}
			}

			s, err := newStack(a.cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			d, err := s.find(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			steps := []struct {
				flag  string
				apply func() error
			}{
				{"gain-mode", func() error { return s.ctrl.SetGainMode(ctx, d, manual) }},
				{"gain", func() error { return s.ctrl.SetGain(ctx, d, gain) }},
				{"rate", func() error { return s.ctrl.SetSampleRate(ctx, d, rate) }},
				{"freq", func() error { return s.ctrl.SetFrequency(ctx, d, freq) }},
				{"ppm", func() error { return s.ctrl.SetFrequencyCorrection(ctx, d, ppm) }},
			}
			applied := 0
			for _, st := range steps {
				if !flags.Changed(st.flag) {
					continue
				}
				if err := st.apply(); err != nil {
					return err
				}
				applied++
			}
			if applied == 0 {
				return fmt.Errorf("nothing to set; pass at least one of --freq, --rate, --gain, --gain-mode or --ppm")
			}

			info, err := s.ctrl.DeviceInfo(ctx, d)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: frequency=%d Hz sample_rate=%d Hz gain=%d\n",
				info.Serial, info.CenterFrequency, info.SampleRate, info.Gain)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&freq, "freq", 0, "Center frequency in Hz")
	cmd.Flags().Uint32Var(&rate, "rate", 0, "Sample rate in Hz")
	cmd.Flags().IntVar(&gain, "gain", 0, "Tuner gain in tenths of a dB")
	cmd.Flags().StringVar(&gainMode, "gain-mode", "", "Tuner gain mode: manual or auto")
	cmd.Flags().IntVar(&ppm, "ppm", 0, "Frequency correction in parts per million")
	return cmd
}
