package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"vaultctl/config"
	"vaultctl/crypto"
	"vaultctl/native/policy"
	"vaultctl/native/timelock"
	"vaultctl/observability/logging"
	vaultsdk "vaultctl/sdk/vault"
)

const usage = `Usage: vaultctl [-config path] <command> [args]

Commands:
  status                                  show live state and timelock phase
  diff                                    show staged changes against live state
  policy <protocol>                       print a protocol's allowlist policy
  grant <delegate> <protocol> <perms>     grant comma-separated permissions
  revoke <delegate> <protocol> <perms>    revoke comma-separated permissions
  revoke-all <delegate>                   remove a delegate's entire ACL
  delegate-expiry <delegate> <unix>       set a delegate's expiry (0 = never)
  allow <protocol> <principal>            add a principal to the allowlist
  disallow <protocol> <principal>         remove a principal from the allowlist
  set-scalar <protocol> <name> <value>    set a policy scalar parameter
  enable <protocol>                       enable a protocol for the vault
  disable <protocol>                      disable a protocol (policy kept)
  set-assets <key,...>                    replace the tracked asset list
  set-borrowable <key,...>                replace the borrowable asset list
  set-timelock <seconds>                  set the timelock duration (0 = off)
  apply                                   commit staged changes after expiry
  cancel                                  discard staged changes
`

func main() {
	configFile := flag.String("config", "./vaultctl.toml", "Path to the configuration file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup("vaultctl", cfg.Env)

	vaultKey, err := cfg.VaultKey()
	if err != nil {
		logger.Error("invalid vault address", slog.Any("error", err))
		os.Exit(1)
	}
	client, err := vaultsdk.NewClient(vaultsdk.Config{
		BaseURL:     cfg.RPCURL,
		Vault:       vaultKey,
		BearerToken: cfg.BearerToken,
		Timeout:     time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
	})
	if err != nil {
		logger.Error("failed to build client", slog.Any("error", err))
		os.Exit(1)
	}

	registry := policy.Default()
	service := vaultsdk.NewService(client, client, registry, logger)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.RequestTimeoutSeconds+5)*time.Second)
	defer cancel()

	if err := dispatch(ctx, service, registry, args[0], args[1:]); err != nil {
		logger.Error("command failed", slog.String("command", args[0]), slog.Any("error", err))
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, service *vaultsdk.Service, registry *policy.Registry, command string, args []string) error {
	switch command {
	case "status":
		return runStatus(ctx, service, registry)
	case "diff":
		return runDiff(ctx, service)
	case "policy":
		if len(args) != 1 {
			return fmt.Errorf("usage: policy <protocol>")
		}
		return runPolicy(ctx, service, args[0])
	case "grant", "revoke":
		if len(args) != 3 {
			return fmt.Errorf("usage: %s <delegate> <protocol> <perm,perm,...>", command)
		}
		delegateKey, err := crypto.DecodePublicKey(args[0])
		if err != nil {
			return err
		}
		permissions := splitList(args[2])
		if command == "grant" {
			return report(service.GrantDelegate(ctx, delegateKey, args[1], permissions))
		}
		return report(service.RevokeDelegate(ctx, delegateKey, args[1], permissions))
	case "revoke-all":
		if len(args) != 1 {
			return fmt.Errorf("usage: revoke-all <delegate>")
		}
		delegateKey, err := crypto.DecodePublicKey(args[0])
		if err != nil {
			return err
		}
		return report(service.RevokeDelegateAll(ctx, delegateKey))
	case "delegate-expiry":
		if len(args) != 2 {
			return fmt.Errorf("usage: delegate-expiry <delegate> <unix timestamp>")
		}
		delegateKey, err := crypto.DecodePublicKey(args[0])
		if err != nil {
			return err
		}
		expiresAt, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid expiry timestamp %q: %w", args[1], err)
		}
		return report(service.SetDelegateExpiry(ctx, delegateKey, expiresAt))
	case "allow", "disallow":
		if len(args) != 2 {
			return fmt.Errorf("usage: %s <protocol> <principal>", command)
		}
		entry, err := parseEntry(registry, args[0], args[1])
		if err != nil {
			return err
		}
		if command == "allow" {
			return report(service.AllowPrincipal(ctx, args[0], entry))
		}
		return report(service.DisallowPrincipal(ctx, args[0], entry))
	case "set-scalar":
		if len(args) != 3 {
			return fmt.Errorf("usage: set-scalar <protocol> <name> <value>")
		}
		value, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid scalar value %q: %w", args[2], err)
		}
		return report(service.SetPolicyScalar(ctx, args[0], args[1], value))
	case "enable":
		if len(args) != 1 {
			return fmt.Errorf("usage: enable <protocol>")
		}
		return report(service.EnableProtocol(ctx, args[0]))
	case "disable":
		if len(args) != 1 {
			return fmt.Errorf("usage: disable <protocol>")
		}
		return report(service.DisableProtocol(ctx, args[0]))
	case "set-assets", "set-borrowable":
		if len(args) != 1 {
			return fmt.Errorf("usage: %s <key,key,...>", command)
		}
		keys, err := parseKeys(args[0])
		if err != nil {
			return err
		}
		if command == "set-assets" {
			return report(service.SetAssets(ctx, keys))
		}
		return report(service.SetBorrowable(ctx, keys))
	case "set-timelock":
		if len(args) != 1 {
			return fmt.Errorf("usage: set-timelock <seconds>")
		}
		seconds, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", args[0], err)
		}
		return report(service.SetTimelockDuration(ctx, seconds))
	case "apply":
		return report(service.ApplyPending(ctx))
	case "cancel":
		return report(service.CancelPending(ctx))
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func report(txID string, err error) error {
	if err != nil {
		return err
	}
	fmt.Printf("submitted: %s\n", txID)
	return nil
}

func runStatus(ctx context.Context, service *vaultsdk.Service, registry *policy.Registry) error {
	state, status, err := service.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("vault: %s\n", state.Vault)
	fmt.Printf("timelock: %s (status %s)\n", timelock.RenderDuration(state.TimelockDuration), status)
	if status != timelock.StatusIdle {
		fmt.Printf("pending: %d field(s), eligible at %d\n", len(state.PendingUpdates), state.PendingExpiresAt)
	}
	for _, acl := range state.IntegrationAcls {
		name, ok := registry.IntegrationName(acl.Program)
		if !ok {
			name = acl.Program.String()
		}
		protocols := policy.ProtocolNames(registry, acl.Program, acl.ProtocolsBitmask)
		fmt.Printf("integration %s: %s\n", name, strings.Join(protocols, ", "))
	}
	for _, acl := range state.DelegateAcls {
		expiry := "never"
		if acl.ExpiresAt != 0 {
			expiry = strconv.FormatUint(acl.ExpiresAt, 10)
		}
		fmt.Printf("delegate %s (expires %s)\n", acl.Pubkey, expiry)
		for _, grant := range acl.Integrations {
			for _, protocol := range grant.Protocols {
				desc, err := registry.Resolve(grant.Program, protocol.Bitflag)
				if err != nil {
					fmt.Printf("  %s/%d: %#x\n", grant.Program, protocol.Bitflag, protocol.Permissions)
					continue
				}
				names := policy.PermissionNames(desc, protocol.Permissions)
				fmt.Printf("  %s: %s\n", desc.Name, strings.Join(names, ", "))
			}
		}
	}
	return nil
}

func runDiff(ctx context.Context, service *vaultsdk.Service) error {
	diffs, err := service.PendingDiffs(ctx)
	if err != nil {
		return err
	}
	if len(diffs) == 0 {
		fmt.Println("nothing staged")
		return nil
	}
	for _, diff := range diffs {
		fmt.Printf("%s:\n", diff.Field)
		for _, entry := range diff.Added {
			fmt.Printf("  + %s\n", entry)
		}
		for _, entry := range diff.Removed {
			fmt.Printf("  - %s\n", entry)
		}
		for _, entry := range diff.Modified {
			fmt.Printf("  ~ %s\n", entry)
		}
		if diff.Empty() {
			fmt.Println("  (no change)")
		}
	}
	return nil
}

func runPolicy(ctx context.Context, service *vaultsdk.Service, protocolName string) error {
	list, schema, err := service.ReadPolicy(ctx, protocolName)
	if err != nil {
		return err
	}
	if list.Unrestricted() {
		if schema.DefaultDeny {
			fmt.Println("allowlist: empty (deny all)")
		} else {
			fmt.Println("allowlist: empty (unrestricted)")
		}
	} else {
		for _, entry := range list.Entries {
			fmt.Printf("  %s\n", entry)
		}
	}
	for _, field := range schema.Scalars {
		value, _ := list.Scalar(schema, field.Name)
		fmt.Printf("%s: %d\n", field.Name, value)
	}
	return nil
}

func parseEntry(registry *policy.Registry, protocolName, raw string) (policy.Entry, error) {
	program, bitflag, err := registry.ResolveByName(protocolName)
	if err != nil {
		return policy.Entry{}, err
	}
	desc, err := registry.Resolve(program, bitflag)
	if err != nil {
		return policy.Entry{}, err
	}
	switch desc.Schema.Entry {
	case policy.EntryKindKey:
		key, err := crypto.DecodePublicKey(raw)
		if err != nil {
			return policy.Entry{}, err
		}
		return policy.KeyEntry(key), nil
	case policy.EntryKindDestination:
		parts := strings.SplitN(raw, ":", 2)
		if len(parts) != 2 {
			return policy.Entry{}, fmt.Errorf("destination must be <domain>:<address>, got %q", raw)
		}
		domain, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			return policy.Entry{}, fmt.Errorf("invalid domain %q: %w", parts[0], err)
		}
		address, err := crypto.DecodePublicKey(parts[1])
		if err != nil {
			return policy.Entry{}, err
		}
		return policy.DestinationEntry(uint32(domain), address), nil
	case policy.EntryKindMarket:
		index, err := strconv.ParseUint(raw, 10, 16)
		if err != nil {
			return policy.Entry{}, fmt.Errorf("invalid market index %q: %w", raw, err)
		}
		return policy.MarketEntry(uint16(index)), nil
	default:
		return policy.Entry{}, fmt.Errorf("protocol %s has no allowlist schema", protocolName)
	}
}

func parseKeys(raw string) ([]crypto.PublicKey, error) {
	parts := splitList(raw)
	keys := make([]crypto.PublicKey, 0, len(parts))
	for _, part := range parts {
		key, err := crypto.DecodePublicKey(part)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
