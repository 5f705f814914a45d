package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/coral-hook/internal/arch"
	"github.com/coral-mesh/coral-hook/internal/cli/helpers"
	"github.com/coral-mesh/coral-hook/internal/runtime"
	"github.com/coral-mesh/coral-hook/internal/sys/proc"
)

type statusReport struct {
	OS            string `json:"os" yaml:"os"`
	OSVersion     string `json:"os_version,omitempty" yaml:"os_version,omitempty"`
	Kernel        string `json:"kernel,omitempty" yaml:"kernel,omitempty"`
	Arch          string `json:"arch" yaml:"arch"`
	ArchSupported bool   `json:"arch_supported" yaml:"arch_supported"`
	EUID          int    `json:"euid" yaml:"euid"`
	Root          bool   `json:"root" yaml:"root"`
	UnderSudo     bool   `json:"under_sudo" yaml:"under_sudo"`
	CapSysPtrace  bool   `json:"cap_sys_ptrace" yaml:"cap_sys_ptrace"`
	PtraceScope   string `json:"ptrace_scope" yaml:"ptrace_scope"`

	Target *targetStatus `json:"target,omitempty" yaml:"target,omitempty"`
}

type targetStatus struct {
	PID    int    `json:"pid" yaml:"pid"`
	UID    int    `json:"uid" yaml:"uid"`
	Attach bool   `json:"attach" yaml:"attach"`
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// newStatusCmd creates the status command.
func newStatusCmd() *cobra.Command {
	var (
		format string
		pid    int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether this host can instrument processes",
		Long: `Display the operating system, architecture, capabilities and ptrace
policy that decide whether coral-hook can attach.

With --pid the check is made against that process's owner.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, []helpers.OutputFormat{helpers.FormatTable, helpers.FormatJSON, helpers.FormatYAML}); err != nil {
				return err
			}
			cfg, err := helpers.LoadConfig(cmd)
			if err != nil {
				return err
			}

			r := runtime.Detect(helpers.NewLogger(cfg, "status"))
			report, err := newStatusReport(cmd.Context(), r, pid)
			if err != nil {
				return err
			}

			if format != string(helpers.FormatTable) {
				formatter, err := helpers.NewFormatter(helpers.OutputFormat(format))
				if err != nil {
					return err
				}
				return formatter.Format(report, cmd.OutOrStdout())
			}
			printStatus(cmd.OutOrStdout(), report)
			return nil
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, []helpers.OutputFormat{
		helpers.FormatTable,
		helpers.FormatJSON,
		helpers.FormatYAML,
	})
	cmd.Flags().IntVar(&pid, "pid", 0, "Check whether this process can be attached")

	return cmd
}

func newStatusReport(ctx context.Context, r *runtime.Report, pid int) (*statusReport, error) {
	_, archErr := arch.Parse(r.Arch)
	report := &statusReport{
		OS:            r.OS,
		OSVersion:     r.OSVersion,
		Kernel:        r.Kernel,
		Arch:          r.Arch,
		ArchSupported: archErr == nil,
		EUID:          r.EUID,
		Root:          r.Root,
		UnderSudo:     r.UnderSudo,
		CapSysPtrace:  r.Capabilities.SysPtrace,
		PtraceScope:   r.PtraceScope.String(),
	}
	if pid <= 0 {
		return report, nil
	}

	if ctx == nil {
		ctx = context.Background()
	}
	uid, err := proc.UID(ctx, int32(pid))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect process %d: %w", pid, err)
	}
	target := &targetStatus{PID: pid, UID: uid, Attach: true}
	if err := r.CanAttach(uid); err != nil {
		target.Attach = false
		target.Reason = err.Error()
	}
	report.Target = target
	return report, nil
}

func printStatus(w io.Writer, s *statusReport) {
	yesNo := func(b bool) string {
		if b {
			return "yes"
		}
		return "no"
	}

	fmt.Fprintln(w, "Host")
	fmt.Fprintf(w, "  OS:              %s %s\n", s.OS, s.OSVersion)
	if s.Kernel != "" {
		fmt.Fprintf(w, "  Kernel:          %s\n", s.Kernel)
	}
	fmt.Fprintf(w, "  Arch:            %s (supported: %s)\n", s.Arch, yesNo(s.ArchSupported))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Privileges")
	fmt.Fprintf(w, "  EUID:            %d\n", s.EUID)
	fmt.Fprintf(w, "  Root:            %s\n", yesNo(s.Root))
	fmt.Fprintf(w, "  Under sudo:      %s\n", yesNo(s.UnderSudo))
	fmt.Fprintf(w, "  CAP_SYS_PTRACE:  %s\n", yesNo(s.CapSysPtrace))
	fmt.Fprintf(w, "  Ptrace scope:    %s\n", s.PtraceScope)

	if s.Target == nil {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Target %d (uid %d)\n", s.Target.PID, s.Target.UID)
	if s.Target.Attach {
		fmt.Fprintln(w, "  ✓ attach permitted")
		return
	}
	fmt.Fprintf(w, "  ✗ %s\n", s.Target.Reason)
}
