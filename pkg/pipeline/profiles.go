package pipeline

import (
	"time"

	"github.com/sentriva/hostscan/pkg/his"
	"github.com/sentriva/hostscan/pkg/policy"
)

// Built-in profile names.
const (
	ProfileDailySecurityScan = "daily_security_scan"
	ProfileForensicTriage    = "forensic_triage"
)

// DefaultScanTarget is the filesystem root the daily profile sweeps.
const DefaultScanTarget = `C:\Users`

// DailyProfile returns the standard scheduled scan: signature, pattern,
// memory, event-log, and persistence coverage in one pass.
func DailyProfile(scanTarget string) policy.Profile {
	if scanTarget == "" {
		scanTarget = DefaultScanTarget
	}
	return policy.Profile{
		Name: ProfileDailySecurityScan,
		Description: "Standard daily scan: ClamAV, YARA, HollowsHunter, " +
			"Hayabusa, Autoruns, Sigcheck, ListDLLs",
		Steps: []policy.Step{
			{
				Tool:    "clamav",
				Target:  his.ScanTarget{Type: his.TargetPath, Value: scanTarget, Recursive: true},
				Timeout: 30 * time.Minute,
			},
			{
				Tool:    "yara_x",
				Target:  his.ScanTarget{Type: his.TargetPath, Value: scanTarget, Recursive: true},
				Timeout: 30 * time.Minute,
			},
			{
				Tool:    "hollows_hunter",
				Target:  his.ScanTarget{Type: his.TargetSystem},
				Timeout: 10 * time.Minute,
			},
			{
				Tool:    "hayabusa",
				Target:  his.ScanTarget{Type: his.TargetEventLog, Value: "live"},
				Timeout: 10 * time.Minute,
			},
			{
				Tool:    "autorunsc",
				Target:  his.ScanTarget{Type: his.TargetSystem},
				Timeout: 5 * time.Minute,
			},
			{
				Tool:    "sigcheck",
				Target:  his.ScanTarget{Type: his.TargetPath, Value: `C:\Windows\System32`},
				Timeout: 10 * time.Minute,
			},
			{
				Tool:    "listdlls",
				Target:  his.ScanTarget{Type: his.TargetSystem},
				Timeout: 5 * time.Minute,
			},
		},
	}
}

// ForensicProfile returns the deep triage profile: Chainsaw for broad
// artifact hunting plus a low-threshold Hayabusa timeline over the same
// offline event logs.
func ForensicProfile(evtxPath string) policy.Profile {
	if evtxPath == "" {
		evtxPath = `C:\Windows\System32\winevt\Logs`
	}
	return policy.Profile{
		Name:        ProfileForensicTriage,
		Description: "Forensic triage: Chainsaw + Hayabusa deep analysis",
		Steps: []policy.Step{
			{
				Tool:    "chainsaw",
				Target:  his.ScanTarget{Type: his.TargetPath, Value: evtxPath},
				Timeout: 30 * time.Minute,
			},
			{
				Tool:    "hayabusa",
				Target:  his.ScanTarget{Type: his.TargetEventLog, Value: evtxPath},
				Timeout: 30 * time.Minute,
				Options: map[string]string{"min_level": "low"},
			},
		},
	}
}

// BuiltinProfiles returns the built-in profiles keyed by name.
func BuiltinProfiles() map[string]policy.Profile {
	return map[string]policy.Profile{
		ProfileDailySecurityScan: DailyProfile(""),
		ProfileForensicTriage:    ForensicProfile(""),
	}
}
