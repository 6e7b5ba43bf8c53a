package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/clinsync/clinsync/internal/model"
	"github.com/clinsync/clinsync/internal/store"
	"github.com/clinsync/clinsync/internal/ui"
)

var patientCmd = &cobra.Command{
	Use:     "patient",
	GroupID: "records",
	Short:   "Manage patient records",
}

var patientAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a patient record",
	Run: func(cmd *cobra.Command, args []string) {
		owner := requireOwner()
		st := openStore()
		defer st.Close()

		flags := cmd.Flags()
		p := model.Patient{OwnerID: owner}
		p.Name, _ = flags.GetString("name")
		p.Phone, _ = flags.GetString("phone")
		p.Email, _ = flags.GetString("email")
		p.Address, _ = flags.GetString("address")
		p.Location, _ = flags.GetString("location")
		p.InitialComplaint, _ = flags.GetString("complaint")
		p.InitialDiagnosis, _ = flags.GetString("diagnosis")
		p.Group, _ = flags.GetString("group")
		p.IsFavorite, _ = flags.GetBool("favorite")

		if err := st.CreatePatient(context.Background(), &p); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating patient: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Created patient %s (%s)\n", ui.RenderSuccess("✓"), p.Name, p.LocalID)
		fmt.Printf("   A canonical patient ID will be assigned on the next sync\n")
	},
}

var patientListCmd = &cobra.Command{
	Use:   "list",
	Short: "List patient records",
	Run: func(cmd *cobra.Command, args []string) {
		owner := requireOwner()
		st := openStore()
		defer st.Close()

		flags := cmd.Flags()
		filter := store.Filter{OwnerID: owner}
		filter.Search, _ = flags.GetString("search")
		filter.Group, _ = flags.GetString("group")
		filter.FavoritesOnly, _ = flags.GetBool("favorites")
		filter.NeedsSync, _ = flags.GetBool("needs-sync")
		filter.Limit, _ = flags.GetInt("limit")

		patients, err := st.QueryPatients(context.Background(), filter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing patients: %v\n", err)
			os.Exit(1)
		}

		if len(patients) == 0 {
			fmt.Println("No patients found")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tGROUP\tPHONE\tSTATUS")
		for _, p := range patients {
			id := p.PatientID
			if id == "" {
				id = ui.RenderDim("(pending)")
			}
			status := "synced"
			if p.Dirty {
				status = ui.RenderWarn("needs sync")
			}
			name := p.Name
			if p.IsFavorite {
				name = "★ " + name
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", id, name, p.Group, p.Phone, status)
		}
		w.Flush()
	},
}

var patientUpdateCmd = &cobra.Command{
	Use:   "update <local-id>",
	Short: "Update a patient record",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		requireOwner()
		st := openStore()
		defer st.Close()

		flags := cmd.Flags()
		var patch store.PatientPatch
		if flags.Changed("name") {
			v, _ := flags.GetString("name")
			patch.Name = &v
		}
		if flags.Changed("phone") {
			v, _ := flags.GetString("phone")
			patch.Phone = &v
		}
		if flags.Changed("email") {
			v, _ := flags.GetString("email")
			patch.Email = &v
		}
		if flags.Changed("address") {
			v, _ := flags.GetString("address")
			patch.Address = &v
		}
		if flags.Changed("location") {
			v, _ := flags.GetString("location")
			patch.Location = &v
		}
		if flags.Changed("complaint") {
			v, _ := flags.GetString("complaint")
			patch.InitialComplaint = &v
		}
		if flags.Changed("diagnosis") {
			v, _ := flags.GetString("diagnosis")
			patch.InitialDiagnosis = &v
		}
		if flags.Changed("group") {
			v, _ := flags.GetString("group")
			patch.Group = &v
		}

		p, err := st.UpdatePatient(context.Background(), args[0], patch)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				fmt.Fprintf(os.Stderr, "Error: patient %s not found\n", args[0])
			} else {
				fmt.Fprintf(os.Stderr, "Error updating patient: %v\n", err)
			}
			os.Exit(1)
		}

		fmt.Printf("%s Updated %s\n", ui.RenderSuccess("✓"), p.Name)
	},
}

var patientDeleteCmd = &cobra.Command{
	Use:   "delete <local-id>",
	Short: "Delete a patient record and its notes",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		requireOwner()
		st := openStore()
		defer st.Close()

		if err := st.SoftDeletePatient(context.Background(), args[0]); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				fmt.Fprintf(os.Stderr, "Error: patient %s not found\n", args[0])
			} else {
				fmt.Fprintf(os.Stderr, "Error deleting patient: %v\n", err)
			}
			os.Exit(1)
		}

		fmt.Printf("%s Deleted patient %s (removed from server on next sync)\n",
			ui.RenderSuccess("✓"), args[0])
	},
}

var patientFavoriteCmd = &cobra.Command{
	Use:   "favorite <local-id>",
	Short: "Toggle a patient's favorite flag",
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

		fav := !p.IsFavorite
		if _, err := st.UpdatePatient(ctx, args[0], store.PatientPatch{IsFavorite: &fav}); err != nil {
			fmt.Fprintf(os.Stderr, "Error updating patient: %v\n", err)
			os.Exit(1)
		}

		if fav {
			fmt.Printf("%s %s marked as favorite\n", ui.RenderSuccess("★"), p.Name)
		} else {
			fmt.Printf("%s %s unmarked as favorite\n", ui.RenderSuccess("✓"), p.Name)
		}
	},
}

var groupsCmd = &cobra.Command{
	Use:     "groups",
	GroupID: "records",
	Short:   "List patient groups",
	Run: func(cmd *cobra.Command, args []string) {
		owner := requireOwner()
		st := openStore()
		defer st.Close()

		groups, err := st.DistinctGroups(context.Background(), owner)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing groups: %v\n", err)
			os.Exit(1)
		}
		for _, g := range groups {
			fmt.Println(g)
		}
	},
}

var statsCmd = &cobra.Command{
	Use:     "stats",
	GroupID: "records",
	Short:   "Show record counts and pending changes",
	Run: func(cmd *cobra.Command, args []string) {
		owner := requireOwner()
		st := openStore()
		defer st.Close()

		stats, err := st.Stats(context.Background(), owner)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error computing stats: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\n%s Record stats for %s\n\n", ui.RenderAccent("📊"), owner)
		fmt.Printf("Patients: %d\n", stats.TotalPatients)
		fmt.Printf("Favorites: %d\n", stats.FavoritePatients)
		fmt.Printf("Pending changes: %d\n", stats.PendingChanges)

		if len(stats.GroupCounts) > 0 {
			fmt.Println("\nBy group:")
			names := make([]string, 0, len(stats.GroupCounts))
			for g := range stats.GroupCounts {
				names = append(names, g)
			}
			sort.Strings(names)
			for _, g := range names {
				fmt.Printf("  %s: %d\n", g, stats.GroupCounts[g])
			}
		}
		fmt.Println()
	},
}

func init() {
	addFlags := func(cmd *cobra.Command) {
		cmd.Flags().String("name", "", "patient name")
		cmd.Flags().String("phone", "", "phone number")
		cmd.Flags().String("email", "", "email address")
		cmd.Flags().String("address", "", "street address")
		cmd.Flags().String("location", "", "clinic location")
		cmd.Flags().String("complaint", "", "initial complaint")
		cmd.Flags().String("diagnosis", "", "initial diagnosis")
		cmd.Flags().String("group", "", "patient group")
	}

	addFlags(patientAddCmd)
	patientAddCmd.Flags().Bool("favorite", false, "mark as favorite")
	_ = patientAddCmd.MarkFlagRequired("name")

	patientListCmd.Flags().String("search", "", "substring match on name, ID, phone or email")
	patientListCmd.Flags().String("group", "", "filter by group")
	patientListCmd.Flags().Bool("favorites", false, "favorites only")
	patientListCmd.Flags().Bool("needs-sync", false, "records with unpushed changes only")
	patientListCmd.Flags().Int("limit", 0, "maximum results (0 = all)")

	addFlags(patientUpdateCmd)

	patientCmd.AddCommand(patientAddCmd)
	patientCmd.AddCommand(patientListCmd)
	patientCmd.AddCommand(patientUpdateCmd)
	patientCmd.AddCommand(patientDeleteCmd)
	patientCmd.AddCommand(patientFavoriteCmd)

	rootCmd.AddCommand(patientCmd)
	rootCmd.AddCommand(groupsCmd)
	rootCmd.AddCommand(statsCmd)
}
