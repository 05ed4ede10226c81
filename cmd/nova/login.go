package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/MegaGrindStone/nova-chat/internal/auth"
	"github.com/MegaGrindStone/nova-chat/internal/models"
	"github.com/MegaGrindStone/nova-chat/internal/services"
)

// prompter reads a line of user input. *liner.State implements it.
type prompter interface {
	Prompt(prompt string) (string, error)
	PasswordPrompt(prompt string) (string, error)
}

type accountClient interface {
	Authenticate(ctx context.Context, creds models.Credentials) (models.TokenPair, error)
	Signup(ctx context.Context, creds models.Credentials) (models.User, error)
	Me(ctx context.Context) (models.User, error)
}

// ensureLogin returns the authenticated user. A stored credential is reused when the backend still
// accepts it. Otherwise it is dropped and the user is asked to log in or sign up until that
// succeeds or input is aborted.
func ensureLogin(ctx context.Context, client accountClient, ac *auth.Context, p prompter, out io.Writer) (models.User, error) {
	if ac.HasCredential() {
		user, err := client.Me(ctx)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, services.ErrUnauthorized) {
			return models.User{}, fmt.Errorf("failed to fetch user: %w", err)
		}
		if err := ac.Clear(); err != nil {
			return models.User{}, err
		}
		fmt.Fprintln(out, "Your session has expired, please log in again.")
	}

	for {
		user, err := login(ctx, client, p, out)
		if err == nil {
			return user, nil
		}
		var apiErr *services.APIError
		if !errors.As(err, &apiErr) {
			return models.User{}, err
		}
		fmt.Fprintf(out, "! %s\n", apiErr.Error())
	}
}

func login(ctx context.Context, client accountClient, p prompter, out io.Writer) (models.User, error) {
	choice, err := p.Prompt("Log in or sign up? [L/s]: ")
	if err != nil {
		return models.User{}, err
	}
	signup := strings.HasPrefix(strings.ToLower(strings.TrimSpace(choice)), "s")

	email, err := p.Prompt("Email: ")
	if err != nil {
		return models.User{}, err
	}
	password, err := p.PasswordPrompt("Password: ")
	if err != nil {
		return models.User{}, err
	}
	creds := models.Credentials{Email: strings.TrimSpace(email), Password: password}

	if signup {
		fullName, err := p.Prompt("Full name (optional): ")
		if err != nil {
			return models.User{}, err
		}
		creds.FullName = strings.TrimSpace(fullName)
		if _, err := client.Signup(ctx, creds); err != nil {
			return models.User{}, err
		}
		fmt.Fprintln(out, "Account created.")
		return loginAfterSignup(ctx, client, p, out, creds)
	}

	if _, err := client.Authenticate(ctx, creds); err != nil {
		return models.User{}, err
	}
	return client.Me(ctx)
}

// loginAfterSignup logs in to a freshly created account. A rejected login only asks for the
// password again, since the account already exists.
func loginAfterSignup(ctx context.Context, client accountClient, p prompter, out io.Writer, creds models.Credentials) (models.User, error) {
	for {
		_, err := client.Authenticate(ctx, creds)
		if err == nil {
			return client.Me(ctx)
		}
		var apiErr *services.APIError
		if !errors.As(err, &apiErr) {
			return models.User{}, err
		}
		fmt.Fprintf(out, "! %s\n", apiErr.Error())
		if creds.Password, err = p.PasswordPrompt("Password: "); err != nil {
			return models.User{}, err
		}
	}
}
