package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"
	"github.com/vercel-eddie/tubeshell/pkg/contacts"
)

func Contacts() *cli.Command {
	return &cli.Command{
		Name:  "contacts",
		Usage: "Manage saved contacts",
		Commands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Save a contact",
				ArgsUsage: "<tubeshell://account/contact | contact>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "name",
						Usage: "Name to save the contact under (generated if not set)",
					},
					accountFlag(),
					relayFlag(),
					&cli.StringFlag{
						Name:    "username",
						Aliases: []string{"l"},
						Usage:   "User to log in as on the contact",
					},
				},
				Action: runContactsAdd,
			},
			{
				Name:    "list",
				Aliases: []string{"ls"},
				Usage:   "List saved contacts",
				Action:  runContactsList,
			},
			{
				Name:      "remove",
				Aliases:   []string{"rm"},
				Usage:     "Remove a saved contact",
				ArgsUsage: "<name>",
				Action:    runContactsRemove,
			},
		},
	}
}

func openStore(c *cli.Command) (*contacts.Store, error) {
	dir, err := configDir(c)
	if err != nil {
		return nil, err
	}
	return contacts.NewStore(dir)
}

func runContactsAdd(ctx context.Context, c *cli.Command) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one contact, got %d arguments", c.NArg())
	}
	store, err := openStore(c)
	if err != nil {
		return err
	}

	arg := c.Args().First()
	contact := contacts.Contact{Contact: arg}
	if strings.HasPrefix(arg, contacts.Scheme+"://") {
		if contact, err = contacts.ParseURI(arg); err != nil {
			return err
		}
	}
	if a := c.String("account"); a != "" {
		contact.Account = a
	}
	if contact.Account == "" {
		if contact.Account, err = account(c); err != nil {
			return err
		}
	}
	contact.Relay = c.String("relay")
	contact.Username = c.String("username")

	name := c.String("name")
	if name == "" {
		name = store.GenerateName()
	}
	if err := store.Add(name, contact); err != nil {
		return err
	}
	fmt.Fprintf(c.Root().Writer, "Saved %s as %s\n", contact.URI(), name)
	return nil
}

func runContactsList(ctx context.Context, c *cli.Command) error {
	store, err := openStore(c)
	if err != nil {
		return err
	}

	w := c.Root().Writer
	names := store.List()
	if len(names) == 0 {
		fmt.Fprintln(w, "No contacts saved")
		return nil
	}

	fmt.Fprintf(w, "%-20s %-40s %s\n", "NAME", "URI", "LAST USED")
	for _, name := range names {
		contact, _ := store.Get(name)
		lastUsed := "never"
		if !contact.LastUsed.IsZero() {
			lastUsed = contact.LastUsed.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%-20s %-40s %s\n", name, contact.URI(), lastUsed)
	}
	return nil
}

func runContactsRemove(ctx context.Context, c *cli.Command) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected a contact name")
	}
	store, err := openStore(c)
	if err != nil {
		return err
	}
	name := c.Args().First()
	if !store.Exists(name) {
		return fmt.Errorf("contact %q not found", name)
	}
	return store.Remove(name)
}
