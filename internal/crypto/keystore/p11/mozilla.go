// Package p11 exposes PKCS#11 tokens, smart cards and Mozilla NSS profile
// databases as keystore providers.
package p11

import (
	"bufio"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// LibraryEnv overrides the NSS softoken library location.
const LibraryEnv = "TRISIGN_NSS_LIB"

type mozillaProfile struct {
	path      string
	isDefault bool
	modTime   int64
}

// MozillaBaseDirs lists the directories holding profiles.ini for Firefox
// and Thunderbird installs under home.
func MozillaBaseDirs(home string) []string {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return []string{
			filepath.Join(appData, "Mozilla", "Firefox"),
			filepath.Join(appData, "Thunderbird"),
		}
	case "darwin":
		return []string{
			filepath.Join(home, "Library", "Application Support", "Firefox"),
			filepath.Join(home, "Library", "Thunderbird"),
		}
	default:
		return []string{
			filepath.Join(home, ".mozilla", "firefox"),
			filepath.Join(home, "snap", "firefox", "common", ".mozilla", "firefox"),
			filepath.Join(home, ".var", "app", "org.mozilla.firefox", ".mozilla", "firefox"),
			filepath.Join(home, ".thunderbird"),
		}
	}
}

// MozillaProfiles returns the NSS profile directories found in bases,
// default profiles first and then by last modification.
func MozillaProfiles(bases []string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, base := range bases {
		profiles := readProfilesINI(filepath.Join(base, "profiles.ini"))
		sort.SliceStable(profiles, func(i, j int) bool {
			if profiles[i].isDefault != profiles[j].isDefault {
				return profiles[i].isDefault
			}
			return profiles[i].modTime > profiles[j].modTime
		})
		for _, p := range profiles {
			if _, ok := seen[p.path]; ok || !isProfileDir(p.path) {
				continue
			}
			seen[p.path] = struct{}{}
			out = append(out, p.path)
		}
	}
	return out
}

// DefaultMozillaProfile returns the first profile found for the current user.
func DefaultMozillaProfile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	if profiles := MozillaProfiles(MozillaBaseDirs(home)); len(profiles) > 0 {
		return profiles[0]
	}
	// Shared NSS database used by Chromium on Linux.
	if p := filepath.Join(home, ".pki", "nssdb"); isProfileDir(p) {
		return p
	}
	return ""
}

func isProfileDir(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, "cert9.db"))
	return err == nil
}

func readProfilesINI(path string) []mozillaProfile {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	base := filepath.Dir(path)
	type entry struct {
		path      string
		relative  bool
		isDefault bool
	}
	sections := make(map[string]*entry)
	var order []string
	section := ""

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(line[1 : len(line)-1])
			continue
		}
		if !strings.HasPrefix(section, "profile") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		e := sections[section]
		if e == nil {
			e = &entry{relative: true}
			sections[section] = e
			order = append(order, section)
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "path":
			e.path = strings.TrimSpace(val)
		case "isrelative":
			e.relative = strings.TrimSpace(val) == "1"
		case "default":
			e.isDefault = strings.TrimSpace(val) == "1"
		}
	}

	var out []mozillaProfile
	for _, name := range order {
		e := sections[name]
		if e.path == "" {
			continue
		}
		p := e.path
		if e.relative {
			p = filepath.Join(base, filepath.FromSlash(p))
		}
		p = filepath.Clean(p)
		var mod int64
		if st, err := os.Stat(p); err == nil {
			mod = st.ModTime().Unix()
		}
		out = append(out, mozillaProfile{path: p, isDefault: e.isDefault, modTime: mod})
	}
	return out
}

// NSSLibrary locates the NSS softoken PKCS#11 module.
func NSSLibrary() string {
	if p := os.Getenv(LibraryEnv); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	var paths []string
	switch runtime.GOOS {
	case "windows":
		for _, pf := range []string{os.Getenv("ProgramFiles"), os.Getenv("ProgramFiles(x86)")} {
			if pf != "" {
				paths = append(paths, filepath.Join(pf, "Mozilla Firefox", "softokn3.dll"))
			}
		}
	case "darwin":
		paths = []string{
			"/Applications/Firefox.app/Contents/MacOS/libsoftokn3.dylib",
			"/usr/local/lib/libsoftokn3.dylib",
		}
	default:
		paths = []string{
			"/usr/lib/x86_64-linux-gnu/libsoftokn3.so",
			"/usr/lib/x86_64-linux-gnu/nss/libsoftokn3.so",
			"/usr/lib64/libsoftokn3.so",
			"/usr/lib/libsoftokn3.so",
		}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// nssInitParams builds the reserved initialization string the NSS softoken
// needs to open a profile database.
func nssInitParams(profileDir string) string {
	return "configdir='sql:" + profileDir + "' certPrefix='' keyPrefix='' secmod='secmod.db' flags=readOnly"
}
