package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/clinsync/clinsync/internal/model"
	"github.com/clinsync/clinsync/internal/store"
	"github.com/clinsync/clinsync/internal/ui"
)

var noteCmd = &cobra.Command{
	Use:     "note",
	GroupID: "records",
	Short:   "Manage visit notes",
}

var noteAddCmd = &cobra.Command{
	Use:   "add <patient-local-id>",
	Short: "Add a visit note to a patient",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		owner := requireOwner()
		st := openStore()
		defer st.Close()

		content, _ := cmd.Flags().GetString("content")
		visitType, _ := cmd.Flags().GetString("visit-type")

		n := model.PatientNote{
			OwnerID:        owner,
			PatientLocalID: args[0],
			Content:        content,
			VisitType:      model.VisitType(visitType),
		}
		if err := st.CreateNote(context.Background(), &n); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				fmt.Fprintf(os.Stderr, "Error: patient %s not found\n", args[0])
			} else {
				fmt.Fprintf(os.Stderr, "Error creating note: %v\n", err)
			}
			os.Exit(1)
		}

		fmt.Printf("%s Added %s note (%s)\n", ui.RenderSuccess("✓"), n.VisitType, n.LocalID)
	},
}

var noteListCmd = &cobra.Command{
	Use:   "list <patient-local-id>",
	Short: "List a patient's visit notes, newest first",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		requireOwner()
		st := openStore()
		defer st.Close()

		ctx := context.Background()
		p, err := st.GetPatient(ctx, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		notes, err := st.NotesForPatient(ctx, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing notes: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\n%s Notes for %s\n\n", ui.RenderAccent("📝"), p.Name)
		if len(notes) == 0 {
			fmt.Println("No notes yet")
			return
		}
		for _, n := range notes {
			status := ""
			if n.Dirty {
				status = " " + ui.RenderWarn("(needs sync)")
			}
			fmt.Printf("%s [%s]%s\n", n.CreatedAt.Format("2006-01-02 15:04"), n.VisitType, status)
			fmt.Printf("  %s\n\n", n.Content)
		}
	},
}

var noteUpdateCmd = &cobra.Command{
	Use:   "update <note-local-id>",
	Short: "Update a visit note",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		requireOwner()
		st := openStore()
		defer st.Close()

		flags := cmd.Flags()
		var patch store.NotePatch
		if flags.Changed("content") {
			v, _ := flags.GetString("content")
			patch.Content = &v
		}
		if flags.Changed("visit-type") {
			v, _ := flags.GetString("visit-type")
			vt := model.VisitType(v)
			patch.VisitType = &vt
		}

		if _, err := st.UpdateNote(context.Background(), args[0], patch); err != nil {
			fmt.Fprintf(os.Stderr, "Error updating note: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Note updated\n", ui.RenderSuccess("✓"))
	},
}

var noteDeleteCmd = &cobra.Command{
	Use:   "delete <note-local-id>",
	Short: "Delete a visit note",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		requireOwner()
		st := openStore()
		defer st.Close()

		if err := st.SoftDeleteNote(context.Background(), args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error deleting note: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Note deleted\n", ui.RenderSuccess("✓"))
	},
}

func init() {
	noteAddCmd.Flags().String("content", "", "note text")
	noteAddCmd.Flags().String("visit-type", string(model.VisitRegular),
		"visit type: regular, follow-up, emergency or initial")
	_ = noteAddCmd.MarkFlagRequired("content")

	noteUpdateCmd.Flags().String("content", "", "note text")
	noteUpdateCmd.Flags().String("visit-type", "", "visit type")

	noteCmd.AddCommand(noteAddCmd)
	noteCmd.AddCommand(noteListCmd)
	noteCmd.AddCommand(noteUpdateCmd)
	noteCmd.AddCommand(noteDeleteCmd)
	rootCmd.AddCommand(noteCmd)
}
