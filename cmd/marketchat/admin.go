// ABOUTME: Offline administration commands that operate directly on the store
// ABOUTME: Seeds users and products and mints session tokens without a running server

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"

	"github.com/2389/marketchat/internal/auth"
	"github.com/2389/marketchat/internal/gateway"
	"github.com/2389/marketchat/internal/store"
)

// parseFlags accepts "--name value" and "--name=value" for the allowed names.
// Anything not starting with "--" is returned as a positional argument.
func parseFlags(args []string, allowed ...string) (map[string]string, []string, error) {
	known := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		known[name] = true
	}

	flags := make(map[string]string)
	var positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			positional = append(positional, arg)
			continue
		}

		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !known[name] {
			return nil, nil, fmt.Errorf("unknown flag: --%s", name)
		}
		if !hasValue {
			if i+1 >= len(args) || strings.HasPrefix(args[i+1], "--") {
				return nil, nil, fmt.Errorf("flag --%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		flags[name] = value
	}
	return flags, positional, nil
}

func requireFlags(flags map[string]string, names ...string) error {
	var missing []string
	for _, name := range names {
		if strings.TrimSpace(flags[name]) == "" {
			missing = append(missing, "--"+name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required flags: %s", strings.Join(missing, ", "))
	}
	return nil
}

// openBackend loads config and opens the configured store.
func openBackend(ctx context.Context, configFlag string) (store.Backend, *configBundle, error) {
	cfg, _, err := loadConfig(configFlag)
	if err != nil {
		return nil, nil, err
	}
	s, err := gateway.OpenStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return s, &configBundle{secret: cfg.Auth.JWTSecret, tokenTTL: cfg.Auth.TokenTTL}, nil
}

// configBundle carries the config values the admin commands need.
type configBundle struct {
	secret   string
	tokenTTL time.Duration
}

func runUser(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: marketchat user <add|list> [flags]")
	}
	sub, rest := args[0], args[1:]

	flags, _, err := parseFlags(rest, "config", "id", "username", "role",
		"discord-username", "discord-avatar", "discord-id", "limit")
	if err != nil {
		return err
	}

	s, _, err := openBackend(ctx, flags["config"])
	if err != nil {
		return err
	}
	defer s.Close()

	switch sub {
	case "add":
		return addUser(ctx, s, flags, out)
	case "list":
		return listUsers(ctx, s, flags, out)
	default:
		return fmt.Errorf("unknown user command: %s", sub)
	}
}

func addUser(ctx context.Context, s store.DirectoryStore, flags map[string]string, out io.Writer) error {
	if err := requireFlags(flags, "id", "username"); err != nil {
		return err
	}

	role := store.UserRole(flags["role"])
	if role == "" {
		role = store.UserRoleBuyer
	}
	if !role.Valid() {
		return fmt.Errorf("invalid role %q: must be admin, buyer or seller", role)
	}

	user := &store.User{
		ID:              flags["id"],
		Username:        flags["username"],
		DiscordUsername: flags["discord-username"],
		DiscordAvatar:   flags["discord-avatar"],
		DiscordID:       flags["discord-id"],
		Role:            role,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.UpsertUser(ctx, user); err != nil {
		return fmt.Errorf("saving user: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Fprint(out, "✓ ")
	fmt.Fprintf(out, "User %s (%s) saved as %s\n", user.ID, user.Username, user.Role)
	return nil
}

func listUsers(ctx context.Context, s store.DirectoryStore, flags map[string]string, out io.Writer) error {
	limit := 0
	if raw := flags["limit"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid --limit %q", raw)
		}
		limit = n
	}

	users, err := s.ListUsers(ctx, limit)
	if err != nil {
		return fmt.Errorf("listing users: %w", err)
	}
	if len(users) == 0 {
		fmt.Fprintln(out, "No users.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tUSERNAME\tROLE\tDISCORD\tCREATED")
	fmt.Fprintln(w, "  --\t--------\t----\t-------\t-------")
	for _, u := range users {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
			truncate(u.ID, 20), truncate(u.Username, 24), u.Role,
			truncate(u.DiscordUsername, 20), u.CreatedAt.Local().Format("Jan 02 15:04"))
	}
	return w.Flush()
}

func runProduct(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: marketchat product <add|list> [flags]")
	}
	sub, rest := args[0], args[1:]

	flags, _, err := parseFlags(rest, "config", "id", "seller", "name", "price")
	if err != nil {
		return err
	}

	s, _, err := openBackend(ctx, flags["config"])
	if err != nil {
		return err
	}
	defer s.Close()

	switch sub {
	case "add":
		return addProduct(ctx, s, flags, out)
	case "list":
		return listProducts(ctx, s, flags, out)
	default:
		return fmt.Errorf("unknown product command: %s", sub)
	}
}

func addProduct(ctx context.Context, s store.DirectoryStore, flags map[string]string, out io.Writer) error {
	if err := requireFlags(flags, "id", "seller", "name", "price"); err != nil {
		return err
	}

	price, err := decimal.NewFromString(flags["price"])
	if err != nil {
		return fmt.Errorf("invalid --price %q: %w", flags["price"], err)
	}
	if price.IsNegative() {
		return fmt.Errorf("invalid --price %q: must not be negative", flags["price"])
	}

	seller, err := s.GetUser(ctx, flags["seller"])
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("seller %s does not exist", flags["seller"])
	}
	if err != nil {
		return fmt.Errorf("looking up seller: %w", err)
	}

	product := &store.Product{
		ID:        flags["id"],
		SellerID:  seller.ID,
		Name:      flags["name"],
		Price:     price,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.UpsertProduct(ctx, product); err != nil {
		return fmt.Errorf("saving product: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Fprint(out, "✓ ")
	fmt.Fprintf(out, "Product %s (%s) saved at %s\n", product.ID, product.Name, product.Price.StringFixed(2))
	return nil
}

func listProducts(ctx context.Context, s store.DirectoryStore, flags map[string]string, out io.Writer) error {
	products, err := s.ListProducts(ctx, flags["seller"])
	if err != nil {
		return fmt.Errorf("listing products: %w", err)
	}
	if len(products) == 0 {
		fmt.Fprintln(out, "No products.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tNAME\tSELLER\tPRICE")
	fmt.Fprintln(w, "  --\t----\t------\t-----")
	for _, p := range products {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n",
			truncate(p.ID, 20), truncate(p.Name, 32), truncate(p.SellerID, 20), p.Price.StringFixed(2))
	}
	return w.Flush()
}

func runToken(ctx context.Context, args []string, out io.Writer) error {
	flags, _, err := parseFlags(args, "config", "user", "ttl")
	if err != nil {
		return err
	}
	if err := requireFlags(flags, "user"); err != nil {
		return err
	}

	s, bundle, err := openBackend(ctx, flags["config"])
	if err != nil {
		return err
	}
	defer s.Close()

	ttl := bundle.tokenTTL
	if raw := flags["ttl"]; raw != "" {
		ttl, err = time.ParseDuration(raw)
		if err != nil || ttl <= 0 {
			return fmt.Errorf("invalid --ttl %q", raw)
		}
	}

	token, err := mintToken(ctx, s, []byte(bundle.secret), flags["user"], ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

// mintToken signs a session token for an existing user.
func mintToken(ctx context.Context, s store.DirectoryStore, secret []byte, userID string, ttl time.Duration) (string, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("user %s does not exist", userID)
		}
		return "", fmt.Errorf("looking up user: %w", err)
	}

	verifier, err := auth.NewJWTVerifier(secret)
	if err != nil {
		return "", err
	}
	token, err := verifier.Generate(userID, ttl)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
