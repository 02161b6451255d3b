// taglockd - tag-gated application lock daemon
//
//	taglockd init                 Initialize data dir, config, default profile
//	taglockd run                  Run the monitoring daemon
//	taglockd status               Show lock state, profiles, tokens
//	taglockd lock | unlock        Manual lock transitions
//	taglockd tap <token-id>       Present a token (toggles when registered)
//	taglockd emergency <action>   Time-delayed unlock without the token
//	taglockd profile <action>     Manage profiles and memberships
//	taglockd token <action>       Manage registered tokens
//	taglockd settings <action>    Unlock delay and settings guard
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"taglockd/internal/config"
	"taglockd/internal/lockstate"
	"taglockd/internal/logging"
	"taglockd/internal/policy"
	"taglockd/internal/profile"
	"taglockd/internal/store"
	"taglockd/internal/token"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]

	switch cmd {
	case "init":
		cmdInit()
	case "run":
		cmdRun()
	case "status":
		cmdStatus()
	case "lock":
		cmdLock()
	case "unlock":
		cmdUnlock()
	case "tap":
		cmdTap()
	case "emergency":
		cmdEmergency()
	case "profile":
		cmdProfile()
	case "token":
		cmdToken()
	case "settings":
		cmdSettings()
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`taglockd - tag-gated application lock

USAGE:
    taglockd <command> [options]

COMMANDS:
    init                Initialize data directory and default profile
    run                 Run the monitoring daemon
    status              Show lock state, active profile, tokens
    lock                Lock now (manual override)
    unlock              Unlock now (manual override)
    tap <token-id>      Present a token; a registered token toggles the lock
    emergency <action>  request | cancel | perform | status
    profile <action>    create | list | show | delete | activate | duplicate | add | remove
    token <action>      register | list | remove
    settings <action>   show | delay <choice> | block-settings <on|off>
    help                Show this help message

WORKFLOW:
    1. taglockd init
    2. taglockd profile add 1 com.example.social
    3. taglockd token register 04:a2:...:9f
    4. taglockd run                 # in the background
    5. (tap the tag to lock; tap again to unlock)

EMERGENCY UNLOCK:
    Lost the tag? "taglockd emergency request" starts the countdown;
    after the configured delay "taglockd emergency perform" unlocks.`)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// openStore loads config and opens the state store with singletons
// ensured.
func openStore() (*config.Config, *store.Store) {
	cfg, err := config.Load("")
	if err != nil {
		fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}

	s, err := store.Open(cfg.Storage.Path)
	if err != nil {
		fatal(err)
	}
	if err := s.EnsureSingletons(); err != nil {
		s.Close()
		fatal(err)
	}

	return cfg, s
}

func cmdInit() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	profileName := fs.String("profile", "Default", "name of the initial profile")
	mode := fs.String("mode", "blocklist", "mode of the initial profile (blocklist|allowlist)")
	fs.Parse(os.Args[2:])

	cfgPath := config.Path()
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.DefaultConfig().Write(cfgPath); err != nil {
			fatal(err)
		}
		fmt.Printf("Wrote default config to %s\n", cfgPath)
	}

	_, s := openStore()
	defer s.Close()

	reg := profile.New(s)
	profiles, err := reg.List()
	if err != nil {
		fatal(err)
	}

	if len(profiles) == 0 {
		id, err := reg.Create(*profileName, policy.Mode(*mode))
		if err != nil {
			fatal(err)
		}
		if err := reg.SetActive(id); err != nil {
			fatal(err)
		}
		fmt.Printf("Created profile %q (id %d, %s), now active\n", *profileName, id, *mode)
	} else {
		fmt.Printf("Already initialized (%d profiles)\n", len(profiles))
	}
}

func cmdStatus() {
	_, s := openStore()
	defer s.Close()

	machine := lockstate.New(s, nil)
	reg := profile.New(s)
	tokens := token.NewResolver(s)

	locked, err := machine.IsLocked()
	if err != nil {
		fatal(err)
	}
	if locked {
		fmt.Println("Lock:    LOCKED")
	} else {
		fmt.Println("Lock:    unlocked")
	}

	active, err := reg.Active()
	if err != nil {
		fatal(err)
	}
	if active != nil {
		members, err := reg.Members(active.ID)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("Profile: %s (id %d, %s, %d apps)\n", active.Name, active.ID, active.Mode, len(members))
	} else {
		fmt.Println("Profile: none active")
	}

	list, err := tokens.List()
	if err != nil {
		fatal(err)
	}
	fmt.Printf("Tokens:  %d registered\n", len(list))

	es, err := machine.EmergencyStatus()
	if err != nil {
		fatal(err)
	}
	switch {
	case es.Available:
		fmt.Println("Emergency unlock: available now")
	case es.Requested:
		fmt.Printf("Emergency unlock: pending, %s remaining\n", es.Remaining.Round(time.Second))
	}
}

func cmdLock() {
	_, s := openStore()
	defer s.Close()

	if err := lockstate.New(s, nil).Lock(); err != nil {
		fatal(err)
	}
	fmt.Println("Locked")
}

func cmdUnlock() {
	_, s := openStore()
	defer s.Close()

	if err := lockstate.New(s, nil).Unlock(); err != nil {
		fatal(err)
	}
	fmt.Println("Unlocked")
}

func cmdTap() {
	fs := flag.NewFlagSet("tap", flag.ExitOnError)
	name := fs.String("name", "", "display name when registering a first token")
	register := fs.Bool("register", false, "register the token when none is registered yet")
	fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fatal(errors.New("usage: taglockd tap [-register] <token-id>"))
	}
	tokenID := fs.Arg(0)

	_, s := openStore()
	defer s.Close()

	resolver := token.NewResolver(s)
	outcome, err := resolver.Resolve(tokenID)
	if err != nil {
		fatal(err)
	}

	switch outcome {
	case token.OutcomeToggle:
		locked, err := lockstate.New(s, nil).Toggle()
		if err != nil {
			fatal(err)
		}
		if locked {
			fmt.Println("Locked")
		} else {
			fmt.Println("Unlocked")
		}
	case token.OutcomeOfferRegister:
		if !*register {
			fmt.Println("No token registered yet. Re-run with -register to register this one.")
			return
		}
		if err := resolver.Register(tokenID, *name); err != nil {
			fatal(err)
		}
		fmt.Printf("Registered token %s\n", tokenID)
	case token.OutcomeIgnore:
		fmt.Println("Unrecognized token, ignored")
	}
}

func cmdEmergency() {
	if len(os.Args) < 3 {
		fatal(errors.New("usage: taglockd emergency <request|cancel|perform|status>"))
	}

	_, s := openStore()
	defer s.Close()

	machine := lockstate.New(s, nil)

	switch os.Args[2] {
	case "request":
		if err := machine.RequestEmergencyUnlock(); err != nil {
			if errors.Is(err, lockstate.ErrNotLocked) {
				fmt.Println("Device is not locked; nothing to unlock")
				return
			}
			fatal(err)
		}
		es, err := machine.EmergencyStatus()
		if err != nil {
			fatal(err)
		}
		fmt.Printf("Emergency unlock requested; available in %s\n", es.Remaining.Round(time.Second))

	case "cancel":
		if err := machine.CancelEmergencyUnlock(); err != nil {
			fatal(err)
		}
		fmt.Println("Emergency unlock cancelled")

	case "perform":
		ok, err := machine.PerformEmergencyUnlock()
		if err != nil {
			fatal(err)
		}
		if ok {
			fmt.Println("Unlocked")
		} else {
			es, err := machine.EmergencyStatus()
			if err != nil {
				fatal(err)
			}
			if es.Requested {
				fmt.Printf("Not yet: %s remaining\n", es.Remaining.Round(time.Second))
			} else {
				fmt.Println("No emergency unlock pending")
			}
		}

	case "status":
		es, err := machine.EmergencyStatus()
		if err != nil {
			fatal(err)
		}
		switch {
		case !es.Locked:
			fmt.Println("Device is not locked")
		case es.Available:
			fmt.Println("Emergency unlock available now")
		case es.Requested:
			fmt.Printf("Pending, %s remaining\n", es.Remaining.Round(time.Second))
		default:
			fmt.Println("No emergency unlock requested")
		}

	default:
		fatal(fmt.Errorf("unknown emergency action: %s", os.Args[2]))
	}
}

func cmdProfile() {
	if len(os.Args) < 3 {
		fatal(errors.New("usage: taglockd profile <create|list|show|delete|activate|duplicate|add|remove>"))
	}

	_, s := openStore()
	defer s.Close()

	reg := profile.New(s)

	switch os.Args[2] {
	case "create":
		fs := flag.NewFlagSet("profile create", flag.ExitOnError)
		name := fs.String("name", "", "profile name")
		mode := fs.String("mode", "blocklist", "blocklist|allowlist")
		fs.Parse(os.Args[3:])

		id, err := reg.Create(*name, policy.Mode(*mode))
		if err != nil {
			fatal(err)
		}
		fmt.Printf("Created profile %d\n", id)

	case "list":
		profiles, err := reg.List()
		if err != nil {
			fatal(err)
		}
		for _, p := range profiles {
			marker := " "
			if p.IsActive {
				marker = "*"
			}
			fmt.Printf("%s %3d  %-10s %s\n", marker, p.ID, p.Mode, p.Name)
		}

	case "show":
		id := argID(3, "taglockd profile show <id>")
		p, err := reg.Get(id)
		if err != nil {
			fatal(err)
		}
		if p == nil {
			fmt.Printf("Profile %d not found\n", id)
			return
		}
		fmt.Printf("Profile %d: %s (%s)\n", p.ID, p.Name, p.Mode)
		members, err := reg.Members(id)
		if err != nil {
			fatal(err)
		}
		for _, m := range members {
			if m.DisplayName != "" {
				fmt.Printf("  %s (%s)\n", m.PackageID, m.DisplayName)
			} else {
				fmt.Printf("  %s\n", m.PackageID)
			}
		}

	case "delete":
		id := argID(3, "taglockd profile delete <id>")
		ok, err := reg.Delete(id)
		if err != nil {
			if errors.Is(err, profile.ErrNotFound) {
				fmt.Printf("Profile %d not found\n", id)
				return
			}
			fatal(err)
		}
		if !ok {
			fmt.Println("Cannot delete the last remaining profile")
			return
		}
		fmt.Printf("Deleted profile %d\n", id)

	case "activate":
		id := argID(3, "taglockd profile activate <id>")
		if err := reg.SetActive(id); err != nil {
			if errors.Is(err, profile.ErrNotFound) {
				fmt.Printf("Profile %d not found\n", id)
				return
			}
			fatal(err)
		}
		fmt.Printf("Profile %d is now active\n", id)

	case "duplicate":
		fs := flag.NewFlagSet("profile duplicate", flag.ExitOnError)
		name := fs.String("name", "", "name of the copy")
		fs.Parse(os.Args[3:])
		if fs.NArg() < 1 {
			fatal(errors.New("usage: taglockd profile duplicate <id> -name <new-name>"))
		}
		id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
		if err != nil {
			fatal(fmt.Errorf("invalid profile id: %s", fs.Arg(0)))
		}
		newID, err := reg.Duplicate(id, *name)
		if err != nil {
			if errors.Is(err, profile.ErrNotFound) {
				fmt.Printf("Profile %d not found\n", id)
				return
			}
			fatal(err)
		}
		fmt.Printf("Created profile %d as a copy of %d\n", newID, id)

	case "add":
		fs := flag.NewFlagSet("profile add", flag.ExitOnError)
		display := fs.String("name", "", "display name for the app")
		fs.Parse(os.Args[3:])
		if fs.NArg() < 2 {
			fatal(errors.New("usage: taglockd profile add <id> <package> [-name <display>]"))
		}
		id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
		if err != nil {
			fatal(fmt.Errorf("invalid profile id: %s", fs.Arg(0)))
		}
		if err := reg.AddMember(id, fs.Arg(1), *display); err != nil {
			if errors.Is(err, profile.ErrNotFound) {
				fmt.Printf("Profile %d not found\n", id)
				return
			}
			fatal(err)
		}
		fmt.Printf("Added %s to profile %d\n", fs.Arg(1), id)

	case "remove":
		if len(os.Args) < 5 {
			fatal(errors.New("usage: taglockd profile remove <id> <package>"))
		}
		id := argID(3, "taglockd profile remove <id> <package>")
		ok, err := reg.RemoveMember(id, os.Args[4])
		if err != nil {
			fatal(err)
		}
		if !ok {
			fmt.Printf("%s is not a member of profile %d\n", os.Args[4], id)
			return
		}
		fmt.Printf("Removed %s from profile %d\n", os.Args[4], id)

	default:
		fatal(fmt.Errorf("unknown profile action: %s", os.Args[2]))
	}
}

func cmdToken() {
	if len(os.Args) < 3 {
		fatal(errors.New("usage: taglockd token <register|list|remove>"))
	}

	_, s := openStore()
	defer s.Close()

	resolver := token.NewResolver(s)

	switch os.Args[2] {
	case "register":
		fs := flag.NewFlagSet("token register", flag.ExitOnError)
		name := fs.String("name", "", "display name")
		fs.Parse(os.Args[3:])
		if fs.NArg() < 1 {
			fatal(errors.New("usage: taglockd token register <token-id> [-name <display>]"))
		}
		if err := resolver.Register(fs.Arg(0), *name); err != nil {
			fatal(err)
		}
		fmt.Printf("Registered token %s\n", fs.Arg(0))

	case "list":
		tokens, err := resolver.List()
		if err != nil {
			fatal(err)
		}
		for _, t := range tokens {
			registered := time.UnixMilli(t.RegisteredAt).Format("2006-01-02 15:04")
			if t.DisplayName != "" {
				fmt.Printf("%s  %s (%s)\n", registered, t.TokenID, t.DisplayName)
			} else {
				fmt.Printf("%s  %s\n", registered, t.TokenID)
			}
		}

	case "remove":
		if len(os.Args) < 4 {
			fatal(errors.New("usage: taglockd token remove <token-id>"))
		}
		ok, err := resolver.Remove(os.Args[3])
		if err != nil {
			fatal(err)
		}
		if !ok {
			fmt.Println("Token not registered")
			return
		}
		fmt.Printf("Removed token %s\n", os.Args[3])

	default:
		fatal(fmt.Errorf("unknown token action: %s", os.Args[2]))
	}
}

// delayMenu is the fixed set of unlock-delay choices.
var delayMenu = map[string]int64{
	"1m":  time.Minute.Milliseconds(),
	"5m":  (5 * time.Minute).Milliseconds(),
	"15m": (15 * time.Minute).Milliseconds(),
	"1h":  time.Hour.Milliseconds(),
	"4h":  (4 * time.Hour).Milliseconds(),
	"24h": (24 * time.Hour).Milliseconds(),
}

func cmdSettings() {
	if len(os.Args) < 3 {
		fatal(errors.New("usage: taglockd settings <show|delay|block-settings>"))
	}

	_, s := openStore()
	defer s.Close()

	st, err := s.GetSettings()
	if err != nil {
		fatal(err)
	}

	switch os.Args[2] {
	case "show":
		fmt.Printf("Unlock delay:           %s\n", time.Duration(st.UnlockDelayMillis)*time.Millisecond)
		fmt.Printf("Block settings surface: %v\n", st.BlockSettingsWhenLocked)
		fmt.Printf("Setup completed:        %v\n", st.SetupCompleted)

	case "delay":
		if len(os.Args) < 4 {
			fatal(errors.New("usage: taglockd settings delay <1m|5m|15m|1h|4h|24h>"))
		}
		ms, ok := delayMenu[os.Args[3]]
		if !ok {
			fatal(fmt.Errorf("delay must be one of: 1m, 5m, 15m, 1h, 4h, 24h"))
		}
		if err := s.UpdateSettings(ms, st.BlockSettingsWhenLocked, st.SetupCompleted); err != nil {
			fatal(err)
		}
		fmt.Printf("Unlock delay set to %s\n", os.Args[3])

	case "block-settings":
		if len(os.Args) < 4 || (os.Args[3] != "on" && os.Args[3] != "off") {
			fatal(errors.New("usage: taglockd settings block-settings <on|off>"))
		}
		block := os.Args[3] == "on"
		if err := s.UpdateSettings(st.UnlockDelayMillis, block, st.SetupCompleted); err != nil {
			fatal(err)
		}
		fmt.Printf("Settings surface blocking: %s\n", os.Args[3])

	default:
		fatal(fmt.Errorf("unknown settings action: %s", os.Args[2]))
	}
}

func argID(pos int, usageMsg string) int64 {
	if len(os.Args) <= pos {
		fatal(errors.New("usage: " + usageMsg))
	}
	id, err := strconv.ParseInt(os.Args[pos], 10, 64)
	if err != nil {
		fatal(fmt.Errorf("invalid profile id: %s", os.Args[pos]))
	}
	return id
}

// newLogger builds the daemon logger from config.
func newLogger(cfg *config.Config) *logging.Logger {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}

	log, err := logging.New(&logging.Config{
		Level:     level,
		JSON:      cfg.Logging.Format == "json",
		Output:    cfg.Logging.Output,
		Component: "taglockd",
	})
	if err != nil {
		fatal(err)
	}
	logging.SetDefault(log)
	return log
}
