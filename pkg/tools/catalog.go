package tools

import (
	"github.com/sentriva/hostscan/pkg/his"
)

// DefaultCatalog returns the built-in tool registry. Static metadata for
// every supported tool; policy overrides merge on top of these entries.
func DefaultCatalog() []*his.ToolInfo {
	return []*his.ToolInfo{
		{
			Name:          "hollows_hunter",
			DisplayName:   "HollowsHunter",
			Kind:          his.KindMemory,
			ExeName:       "hollows_hunter.exe",
			InstallMethod: his.InstallGitHubRelease,
			Repo:          "hasherezade/hollows_hunter",
			AssetPattern:  "hollows_hunter64.zip",
			RequiresAdmin: true,
			License:       "BSD-2-Clause",
			VersionArgs:   []string{"/version"},
		},
		{
			Name:          "pe_sieve",
			DisplayName:   "PE-sieve",
			Kind:          his.KindMemory,
			ExeName:       "pe-sieve64.exe",
			InstallMethod: his.InstallGitHubRelease,
			Repo:          "hasherezade/pe-sieve",
			AssetPattern:  "pe-sieve64.exe",
			RequiresAdmin: true,
			License:       "BSD-2-Clause",
			VersionArgs:   []string{"/version"},
		},
		{
			Name:          "yara_x",
			DisplayName:   "YARA-X",
			Kind:          his.KindPattern,
			ExeName:       "yr.exe",
			InstallMethod: his.InstallGitHubRelease,
			Repo:          "VirusTotal/yara-x",
			AssetPattern:  "yara-x-v*-x86_64-pc-windows-msvc.zip",
			License:       "BSD-3-Clause",
		},
		{
			Name:          "clamav",
			DisplayName:   "ClamAV",
			Kind:          his.KindSignature,
			ExeName:       "clamscan.exe",
			InstallMethod: his.InstallMSI,
			License:       "GPL-2.0",
		},
		{
			Name:          "freshclam",
			DisplayName:   "FreshClam",
			Kind:          his.KindSignature,
			ExeName:       "freshclam.exe",
			InstallMethod: his.InstallMSI,
			License:       "GPL-2.0",
		},
		{
			Name:          "hayabusa",
			DisplayName:   "Hayabusa",
			Kind:          his.KindEventLog,
			ExeName:       "hayabusa.exe",
			InstallMethod: his.InstallGitHubRelease,
			Repo:          "Yamato-Security/hayabusa",
			AssetPattern:  "hayabusa-*-win-x64.zip",
			License:       "AGPL-3.0",
		},
		{
			Name:          "chainsaw",
			DisplayName:   "Chainsaw",
			Kind:          his.KindEventLog,
			ExeName:       "chainsaw.exe",
			InstallMethod: his.InstallGitHubRelease,
			Repo:          "WithSecureLabs/chainsaw",
			AssetPattern:  "chainsaw_x86_64-pc-windows-msvc.zip",
			License:       "GPL-3.0",
		},
		{
			Name:          "sysmon",
			DisplayName:   "Sysmon",
			Kind:          his.KindService,
			ExeName:       "Sysmon64.exe",
			InstallMethod: his.InstallManual,
			RequiresAdmin: true,
			License:       "Proprietary (Microsoft)",
			VersionArgs:   []string{"-accepteula"},
		},
		{
			Name:          "autorunsc",
			DisplayName:   "Autoruns CLI",
			Kind:          his.KindPersistence,
			ExeName:       "autorunsc64.exe",
			InstallMethod: his.InstallManual,
			RequiresAdmin: true,
			License:       "Proprietary (Microsoft)",
			VersionArgs:   []string{"-accepteula"},
		},
		{
			Name:          "sigcheck",
			DisplayName:   "Sigcheck",
			Kind:          his.KindPersistence,
			ExeName:       "sigcheck64.exe",
			InstallMethod: his.InstallManual,
			License:       "Proprietary (Microsoft)",
			VersionArgs:   []string{"-accepteula"},
		},
		{
			Name:          "listdlls",
			DisplayName:   "ListDLLs",
			Kind:          his.KindPersistence,
			ExeName:       "listdlls64.exe",
			InstallMethod: his.InstallManual,
			RequiresAdmin: true,
			License:       "Proprietary (Microsoft)",
			VersionArgs:   []string{"-accepteula"},
		},
	}
}
