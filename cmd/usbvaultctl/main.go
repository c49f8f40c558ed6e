package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"usbvault/internal/audit"
	"usbvault/internal/config"
	"usbvault/internal/crypto"
	"usbvault/internal/device"
	"usbvault/internal/keyfile"
	"usbvault/internal/lockout"
	"usbvault/internal/platform"
	"usbvault/internal/state"
	"usbvault/internal/vault"
)

func main() {
	_ = platform.DisableCoreDumps()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		cmdInit(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "add":
		cmdAdd(os.Args[2:])
	case "ls":
		cmdLs(os.Args[2:])
	case "extract":
		cmdExtract(os.Args[2:])
	case "rm":
		cmdRm(os.Args[2:])
	case "chpass":
		cmdChpass(os.Args[2:])
	case "run":
		cmdRun(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: usbvaultctl <command> [flags]

commands:
  init      write a new key artifact to the device and print the recovery code
  status    show device, lock and lockout state
  add       encrypt files into the vault
  ls        list vault entries
  extract   decrypt entries into a directory
  rm        securely delete entries
  chpass    set a new password (unlock with password or recovery code)
  run       interactive session with auto-lock and device monitoring`)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func loadConfig(path string) config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fatal("%v", err)
	}
	if cfg.DevicePath == "" {
		if dev, ok := device.FindDevice(cfg.MountRoots, keyfile.ArtifactName); ok {
			cfg.DevicePath = dev
		}
	}
	return cfg
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "usbvault.yaml"
	}
	return filepath.Join(home, ".secure_vault", "config.yaml")
}

func promptSecret(label string) string {
	fmt.Fprintf(os.Stderr, "%s: ", label)
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		fatal("read secret: %v", err)
	}
	s := string(b)
	crypto.Zero(b)
	return s
}

// openVault wires the full stack: persisted lockout state, audit log,
// lockout guard, and the vault itself.
func openVault(cfg config.Config, pres vault.PresenceSource) (*vault.Vault, func()) {
	if err := os.MkdirAll(cfg.VaultDir, 0700); err != nil {
		fatal("create vault dir: %v", err)
	}
	st, err := state.Open(cfg.StatePath())
	if err != nil {
		fatal("%v", err)
	}
	logFile, err := os.OpenFile(cfg.AuditLogPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		st.Close()
		fatal("open audit log: %v", err)
	}
	guard := lockout.New(cfg.MaxFailedAttempts, cfg.Lockout(), st)
	v, err := vault.New(cfg, guard, audit.New(logFile), pres)
	if err != nil {
		logFile.Close()
		st.Close()
		fatal("%v", err)
	}
	return v, func() {
		v.Close()
		logFile.Close()
		st.Close()
	}
}

func unlockOrDie(v *vault.Vault) {
	err := v.Unlock(context.Background(), promptSecret("Password (or recovery code)"))
	if err == nil {
		return
	}
	var lo *lockout.LockedOutError
	if errors.As(err, &lo) {
		fatal("too many failed attempts, retry in %s", lo.Remaining.Round(time.Second))
	}
	fatal("unlock failed")
}

func cmdInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath(), "path to config file")
	devPath := fs.String("device", "", "mount path of the removable device")
	fs.Parse(args)

	cfg := loadConfig(*cfgPath)
	if *devPath != "" {
		cfg.DevicePath = *devPath
	}
	if cfg.DevicePath == "" {
		fatal("no device found; pass -device")
	}
	if keyfile.Exists(cfg.DevicePath) {
		fatal("device already carries a key artifact")
	}

	password := promptSecret("New vault password")
	if password != promptSecret("Repeat password") {
		fatal("passwords do not match")
	}
	recovery, err := crypto.NewRecoveryCode()
	if err != nil {
		fatal("generate recovery code: %v", err)
	}
	master, err := keyfile.Create(cfg.DevicePath, password, recovery, cfg.KDFIterations)
	if err != nil {
		fatal("%v", err)
	}
	crypto.Zero(master)

	fmt.Printf("Key artifact written to %s\n", cfg.DevicePath)
	fmt.Printf("\nRecovery code (store it somewhere safe, it is shown once):\n\n    %s\n\n", recovery)
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath(), "path to config file")
	fs.Parse(args)

	cfg := loadConfig(*cfgPath)
	if cfg.DevicePath == "" {
		fmt.Println("device:  not present")
	} else {
		fmt.Printf("device:  %s\n", cfg.DevicePath)
		if keyfile.Exists(cfg.DevicePath) {
			fmt.Println("key:     present")
		} else {
			fmt.Println("key:     missing")
		}
	}

	v, closeVault := openVault(cfg, nil)
	defer closeVault()
	st, _, failures, cooldown := v.Status()
	fmt.Printf("vault:   %s\n", st)
	if cooldown > 0 {
		fmt.Printf("lockout: active, %s remaining\n", cooldown.Round(time.Second))
	} else {
		fmt.Printf("lockout: inactive (%d recent failures)\n", failures)
	}
}

func cmdAdd(args []string) {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath(), "path to config file")
	wipeOriginal := fs.Bool("rm", false, "securely delete originals after adding")
	fs.Parse(args)
	if fs.NArg() == 0 {
		fatal("add: no files given")
	}

	v, closeVault := openVault(loadConfig(*cfgPath), nil)
	defer closeVault()
	unlockOrDie(v)

	ctx := context.Background()
	for _, path := range fs.Args() {
		entry, err := v.AddFile(ctx, path, *wipeOriginal)
		if err != nil {
			fatal("add %s: %v", path, err)
		}
		fmt.Printf("%s  %s\n", entry.ID, entry.Name)
	}
}

func cmdLs(args []string) {
	fs := flag.NewFlagSet("ls", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath(), "path to config file")
	fs.Parse(args)

	v, closeVault := openVault(loadConfig(*cfgPath), nil)
	defer closeVault()
	unlockOrDie(v)

	entries, err := v.ListFiles()
	if err != nil {
		fatal("%v", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSIZE\tADDED")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
			e.ID, e.Name, e.Size, time.Unix(e.Added, 0).Format(time.RFC3339))
	}
	w.Flush()
}

func cmdExtract(args []string) {
	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath(), "path to config file")
	outDir := fs.String("out", ".", "destination directory")
	fs.Parse(args)
	if fs.NArg() == 0 {
		fatal("extract: no entry ids given")
	}

	v, closeVault := openVault(loadConfig(*cfgPath), nil)
	defer closeVault()
	unlockOrDie(v)

	ctx := context.Background()
	for _, id := range fs.Args() {
		out, err := v.ExtractFile(ctx, id, *outDir)
		if err != nil {
			fatal("extract %s: %v", id, err)
		}
		fmt.Println(out)
	}
}

func cmdRm(args []string) {
	fs := flag.NewFlagSet("rm", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath(), "path to config file")
	fs.Parse(args)
	if fs.NArg() == 0 {
		fatal("rm: no entry ids given")
	}

	v, closeVault := openVault(loadConfig(*cfgPath), nil)
	defer closeVault()
	unlockOrDie(v)

	ctx := context.Background()
	for _, id := range fs.Args() {
		if err := v.DeleteFile(ctx, id); err != nil {
			fatal("rm %s: %v", id, err)
		}
		fmt.Printf("deleted %s\n", id)
	}
}

func cmdChpass(args []string) {
	fs := flag.NewFlagSet("chpass", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath(), "path to config file")
	fs.Parse(args)

	v, closeVault := openVault(loadConfig(*cfgPath), nil)
	defer closeVault()
	unlockOrDie(v)

	password := promptSecret("New vault password")
	if password != promptSecret("Repeat password") {
		fatal("passwords do not match")
	}
	if err := v.RotatePassword(password); err != nil {
		fatal("%v", err)
	}
	fmt.Println("password updated")
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath(), "path to config file")
	fs.Parse(args)

	cfg := loadConfig(*cfgPath)
	if cfg.DevicePath == "" {
		fatal("no device found; insert it and retry")
	}
	watcher := device.NewWatcher(cfg.DevicePath, keyfile.ArtifactName)
	watcher.Start()
	defer watcher.Stop()

	v, closeVault := openVault(cfg, watcher)
	defer closeVault()
	unlockOrDie(v)
	fmt.Println("vault unlocked; commands: ls, add <file>, extract <id>, rm <id>, lock, quit")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println()
		closeVault()
		os.Exit(0)
	}()

	ctx := context.Background()
	sc := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !sc.Scan() {
			return
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if v.State() != vault.Unlocked && fields[0] != "quit" {
			fmt.Println("vault locked (device removed or inactivity); unlock again")
			unlockOrDie(v)
		}
		switch fields[0] {
		case "ls":
			entries, err := v.ListFiles()
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			for _, e := range entries {
				fmt.Printf("%s  %s  %d bytes\n", e.ID, e.Name, e.Size)
			}
		case "add":
			if len(fields) < 2 {
				fmt.Println("usage: add <file>")
				continue
			}
			entry, err := v.AddFile(ctx, fields[1], false)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Printf("%s  %s\n", entry.ID, entry.Name)
		case "extract":
			if len(fields) < 2 {
				fmt.Println("usage: extract <id>")
				continue
			}
			out, err := v.ExtractFile(ctx, fields[1], ".")
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println(out)
		case "rm":
			if len(fields) < 2 {
				fmt.Println("usage: rm <id>")
				continue
			}
			if err := v.DeleteFile(ctx, fields[1]); err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println("deleted", fields[1])
		case "lock":
			v.Lock()
			fmt.Println("vault locked")
		case "quit":
			return
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}
