package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/coachpo/catalogsync/internal/domain/schema"
)

// BookFlags holds the mutable record fields accepted by create and update.
type BookFlags struct {
	Title  string
	Author string
	ISBN   string
	Year   int
	Genre  string
}

func (b *BookFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&b.Title, "title", "", "book title")
	flags.StringVar(&b.Author, "author", "", "book author")
	flags.StringVar(&b.ISBN, "isbn", "", "ISBN, unique across the catalog")
	flags.IntVar(&b.Year, "year", 0, "publication year (0 leaves it empty)")
	flags.StringVar(&b.Genre, "genre", "", "genre")
}

func (b *BookFlags) input() schema.RecordInput {
	in := schema.RecordInput{Title: b.Title, Author: b.Author, ISBN: b.ISBN, Genre: b.Genre}
	if b.Year != 0 {
		in.PublishedYear = schema.Year(b.Year)
	}
	return in
}

// merge overlays the flags the user set onto an existing record.
func (b *BookFlags) merge(flags *pflag.FlagSet, rec schema.Record) schema.RecordInput {
	in := schema.RecordInput{
		Title:         rec.Title,
		Author:        rec.Author,
		ISBN:          rec.ISBN,
		PublishedYear: rec.PublishedYear,
		Genre:         rec.Genre,
	}
	if flags.Changed("title") {
		in.Title = b.Title
	}
	if flags.Changed("author") {
		in.Author = b.Author
	}
	if flags.Changed("isbn") {
		in.ISBN = b.ISBN
	}
	if flags.Changed("year") {
		in.PublishedYear = nil
		if b.Year != 0 {
			in.PublishedYear = schema.Year(b.Year)
		}
	}
	if flags.Changed("genre") {
		in.Genre = b.Genre
	}
	return in
}

// NewListCommand creates the list command.
func NewListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every book",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()
			records, err := c.List(ctx)
			if err != nil {
				return requestError("list books", err)
			}
			return NewOutputFormatter(opts.Format, cmd.OutOrStdout()).Records(records)
		},
	}
}

// NewGetCommand creates the get command.
func NewGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()
			rec, err := c.Get(ctx, args[0])
			if err != nil {
				return requestError("get book", err)
			}
			return NewOutputFormatter(opts.Format, cmd.OutOrStdout()).Record("", rec)
		},
	}
}

// NewCreateCommand creates the create command.
func NewCreateCommand(opts *RootOptions) *cobra.Command {
	book := &BookFlags{}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Add a book",
		Long: `Add a book to the catalog. Every connected viewer is notified.

Examples:
  catalogctl create --title Dune --author "Frank Herbert" --year 1965
  catalogctl create --title Dune --author "Frank Herbert" --isbn 978-0441013593 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()
			rec, err := c.Create(ctx, book.input())
			if err != nil {
				return requestError("create book", err)
			}
			return NewOutputFormatter(opts.Format, cmd.OutOrStdout()).Record("Book added successfully", rec)
		},
	}
	book.register(cmd.Flags())
	return cmd
}

// NewUpdateCommand creates the update command. Unset flags keep the current values.
func NewUpdateCommand(opts *RootOptions) *cobra.Command {
	book := &BookFlags{}
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit a book",
		Long: `Edit a book. Only the flags given are changed; the rest keep their current values.

Examples:
  catalogctl update 3 --title "Dune (Revised)"
  catalogctl update 3 --year 0`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()
			current, err := c.Get(ctx, args[0])
			if err != nil {
				return requestError("update book", err)
			}
			rec, err := c.Update(ctx, args[0], book.merge(cmd.Flags(), current))
			if err != nil {
				return requestError("update book", err)
			}
			return NewOutputFormatter(opts.Format, cmd.OutOrStdout()).Record("Book updated successfully", rec)
		},
	}
	book.register(cmd.Flags())
	return cmd
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()
			rec, err := c.Delete(ctx, args[0])
			if err != nil {
				return requestError("delete book", err)
			}
			return NewOutputFormatter(opts.Format, cmd.OutOrStdout()).Record("Book deleted successfully", rec)
		},
	}
}

// NewHealthCommand creates the health command.
func NewHealthCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the authority and its live session count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()
			health, err := c.Health(ctx)
			if err != nil {
				return requestError("health check", err)
			}
			out := NewOutputFormatter(opts.Format, cmd.OutOrStdout())
			if opts.Format == "json" {
				return out.JSON(health)
			}
			_, err = fmt.Fprintf(out.Writer, "%s (connected clients: %d, at %s)\n",
				health.Message, health.ConnectedClients, health.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
			return err
		},
	}
}
