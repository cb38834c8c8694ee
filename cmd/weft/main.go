// cmd/weft/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"weft/internal/cob"
	"weft/internal/diff"
	"weft/internal/node"
	"weft/internal/object"
	"weft/internal/replicate"
	"weft/internal/watch"
)

var rootCmd = &cobra.Command{
	Use:   "weft",
	Short: "Weft is a peer-to-peer code collaboration substrate",
	Long: `Weft keeps patches and their discussion as signed, content-addressed
operations that replicate between peers without a central server. Every
node holds its own copy and all copies converge on the same state.`,
}

func init() {
	var initCmd = &cobra.Command{
		Use:   "init",
		Short: "Initialize a new Weft repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("getting current directory: %w", err)
			}

			if err := node.Initialize(dir); err != nil {
				return fmt.Errorf("initializing repository: %w", err)
			}

			n, err := initNode()
			if err != nil {
				return err
			}
			defer n.Close()

			fmt.Println("Initialized empty Weft repository in", dir)
			fmt.Println("Identity:", n.Identity.DID)
			return nil
		},
	}

	var whoamiCmd = &cobra.Command{
		Use:   "whoami",
		Short: "Show the local identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := initNode()
			if err != nil {
				return err
			}
			defer n.Close()

			fmt.Println(n.Identity.DID)
			return nil
		},
	}

	// Patch commands
	var patchCmd = &cobra.Command{
		Use:   "patch",
		Short: "Work with patches",
		Long:  `Open, discuss, revise, and resolve patches against the commit graph.`,
	}

	var openPatchCmd = &cobra.Command{
		Use:   "open",
		Short: "Open a new patch",
		RunE: func(cmd *cobra.Command, args []string) error {
			title, _ := cmd.Flags().GetString("title")
			description, _ := cmd.Flags().GetString("description")
			base, _ := cmd.Flags().GetString("base")
			head, _ := cmd.Flags().GetString("head")

			n, err := initNode()
			if err != nil {
				return err
			}
			defer n.Close()

			patch, id, err := n.OpenPatch(title, description, object.Hash(base), object.Hash(head))
			if err != nil {
				return fmt.Errorf("opening patch: %w", err)
			}

			fmt.Printf("Opened patch %s: %s\n", id.Short(), patch.Title)
			return nil
		},
	}

	var listPatchesCmd = &cobra.Command{
		Use:   "list",
		Short: "List all patches",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := initNode()
			if err != nil {
				return err
			}
			defer n.Close()

			patches, err := n.ListPatches()
			if err != nil {
				return fmt.Errorf("listing patches: %w", err)
			}

			if len(patches) == 0 {
				fmt.Println("No patches found")
				return nil
			}

			fmt.Println("\nPatches:")
			for _, p := range patches {
				fmt.Printf("%s  %s  %s  (%d revisions, %d comments)\n",
					p.ID.Short(),
					statusColor(string(p.Status)),
					p.Title,
					len(p.Revisions),
					len(p.Comments),
				)
			}
			return nil
		},
	}

	var showPatchCmd = &cobra.Command{
		Use:   "show [patch]",
		Short: "Show a patch with its discussion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := initNode()
			if err != nil {
				return err
			}
			defer n.Close()

			root, err := resolvePatch(n, args[0])
			if err != nil {
				return err
			}

			p, err := n.ShowPatch(root)
			if err != nil {
				return fmt.Errorf("showing patch: %w", err)
			}

			bold := color.New(color.Bold).SprintFunc()
			faint := color.New(color.Faint).SprintFunc()

			fmt.Printf("%s %s\n", bold(p.Title), statusColor(string(p.Status)))
			fmt.Printf("%s %s\n", faint("id"), p.ID)
			fmt.Printf("%s %s\n", faint("author"), p.Author)
			if p.Description != "" {
				fmt.Printf("\n%s\n", p.Description)
			}

			fmt.Printf("\nRevisions:\n")
			for _, r := range p.Revisions {
				fmt.Printf("  R%d  %s  %s  %s\n",
					r.Number, r.Head.Short(), r.Author,
					time.Unix(r.Timestamp, 0).Format(time.RFC3339))
			}

			if p.Mergeable != nil {
				if p.Mergeable.Indeterminate {
					fmt.Printf("\nMergeability: %s\n", color.YellowString("indeterminate"))
				} else {
					fmt.Printf("\nMergeability: %s (ahead %d, behind %d)\n",
						p.Mergeable.Relation, p.Mergeable.Ahead, p.Mergeable.Behind)
				}
			}

			if len(p.Comments) > 0 {
				fmt.Printf("\nDiscussion:\n")
				for _, c := range p.Comments {
					fmt.Printf("  %s  %s\n    %s\n",
						faint(c.ID.Short()), c.Author, c.Body)
				}
			}

			if len(p.Heads) > 1 {
				fmt.Printf("\n%s\n", color.YellowString(
					"%d concurrent heads; replicas have not yet observed each other", len(p.Heads)))
			}
			return nil
		},
	}

	var editPatchCmd = &cobra.Command{
		Use:   "edit [patch]",
		Short: "Edit a patch's title or description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			title, _ := cmd.Flags().GetString("title")
			description, _ := cmd.Flags().GetString("description")
			if title == "" && description == "" {
				return fmt.Errorf("nothing to edit: pass --title or --description")
			}

			n, err := initNode()
			if err != nil {
				return err
			}
			defer n.Close()

			root, err := resolvePatch(n, args[0])
			if err != nil {
				return err
			}

			p, err := n.EditPatch(root, title, description)
			if err != nil {
				return fmt.Errorf("editing patch: %w", err)
			}
			fmt.Printf("Updated patch %s: %s\n", p.ID.Short(), p.Title)
			return nil
		},
	}

	var commentPatchCmd = &cobra.Command{
		Use:   "comment [patch]",
		Short: "Comment on a patch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message, _ := cmd.Flags().GetString("message")
			replyTo, _ := cmd.Flags().GetString("reply-to")

			n, err := initNode()
			if err != nil {
				return err
			}
			defer n.Close()

			root, err := resolvePatch(n, args[0])
			if err != nil {
				return err
			}

			p, err := n.CommentPatch(root, message, object.Hash(replyTo))
			if err != nil {
				return fmt.Errorf("commenting on patch: %w", err)
			}
			fmt.Printf("Added comment to %s (%d total)\n", p.ID.Short(), len(p.Comments))
			return nil
		},
	}

	var revisePatchCmd = &cobra.Command{
		Use:   "revise [patch]",
		Short: "Propose a new head commit for a patch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			head, _ := cmd.Flags().GetString("head")

			n, err := initNode()
			if err != nil {
				return err
			}
			defer n.Close()

			root, err := resolvePatch(n, args[0])
			if err != nil {
				return err
			}

			p, err := n.RevisePatch(root, object.Hash(head))
			if err != nil {
				return fmt.Errorf("revising patch: %w", err)
			}
			fmt.Printf("Patch %s now at revision %d\n", p.ID.Short(), len(p.Revisions))
			return nil
		},
	}

	mergePatchCmd := statusCommand("merge", "Mark a patch merged", (*node.Node).MergePatch)
	archivePatchCmd := statusCommand("archive", "Archive a patch", (*node.Node).ArchivePatch)
	reopenPatchCmd := statusCommand("reopen", "Reopen an archived patch", (*node.Node).ReopenPatch)

	// Sync commands
	var syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Replicate collaborative objects from peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			peerPaths, _ := cmd.Flags().GetStringSlice("peer")
			if len(peerPaths) == 0 {
				return fmt.Errorf("specify at least one --peer repository path")
			}

			n, err := initNode()
			if err != nil {
				return err
			}
			defer n.Close()

			var peers []replicate.Peer
			for _, path := range peerPaths {
				peer, closePeer, err := node.OpenPeer(path)
				if err != nil {
					return fmt.Errorf("opening peer %s: %w", path, err)
				}
				defer closePeer()
				peers = append(peers, peer)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reports, err := n.Sync(ctx, peers)
			if err != nil {
				return fmt.Errorf("syncing: %w", err)
			}

			for _, r := range reports {
				if r.Err != nil {
					fmt.Printf("%s  %s  %s\n", r.Root.Short(), r.Peer, color.RedString("failed: %v", r.Err))
					continue
				}
				if r.NoOp {
					fmt.Printf("%s  %s  up to date\n", r.Root.Short(), r.Peer)
					continue
				}
				fmt.Printf("%s  %s  accepted %d, rejected %d, pending %d (%s)\n",
					r.Root.Short(), r.Peer, r.Accepted, r.Rejected, r.Pending, r.Duration.Round(time.Millisecond))
			}
			return nil
		},
	}

	// Index commands
	var indexCmd = &cobra.Command{
		Use:   "index",
		Short: "Work with the collaborative object index",
	}

	var rebuildIndexCmd = &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the index by scanning the object store",
		Long:  `The index is a cache over the content-addressed store. Rebuilding recovers it from scratch.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := initNode()
			if err != nil {
				return err
			}
			defer n.Close()

			count, err := n.Index.Rebuild(n.Objects)
			if err != nil {
				return fmt.Errorf("rebuilding index: %w", err)
			}
			fmt.Printf("Indexed %d operations\n", count)
			return nil
		},
	}

	// Store commands
	var storeCmd = &cobra.Command{
		Use:   "store",
		Short: "Work with the object store",
	}

	var compressStoreCmd = &cobra.Command{
		Use:   "compress",
		Short: "Compress cold objects",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := initNode()
			if err != nil {
				return err
			}
			defer n.Close()

			count, err := n.Objects.CompressCold()
			if err != nil {
				return fmt.Errorf("compressing store: %w", err)
			}
			fmt.Printf("Compressed %d objects\n", count)
			return nil
		},
	}

	var diffCmd = &cobra.Command{
		Use:   "diff [old] [new]",
		Short: "Compare two stored objects line by line",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			contextLines, _ := cmd.Flags().GetInt("context")

			n, err := initNode()
			if err != nil {
				return err
			}
			defer n.Close()

			oldHash, newHash := object.Hash(args[0]), object.Hash(args[1])
			oldData, err := n.Objects.Get(oldHash)
			if err != nil {
				return fmt.Errorf("reading %s: %w", oldHash.Short(), err)
			}
			newData, err := n.Objects.Get(newHash)
			if err != nil {
				return fmt.Errorf("reading %s: %w", newHash.Short(), err)
			}

			result := diff.NewEngine(contextLines).Compare(oldData, newData)
			if !result.Changed() {
				fmt.Println("No differences")
				return nil
			}
			fmt.Print(result.Format(true))
			fmt.Printf("%s, %s\n",
				color.GreenString("%d additions", result.Additions),
				color.RedString("%d deletions", result.Deletions))
			return nil
		},
	}

	var watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Watch for out-of-band operations and refresh state",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := initNode()
			if err != nil {
				return err
			}
			defer n.Close()

			w, err := watch.New(n.Objects, n.Index, func(root object.Hash) {
				if _, err := n.Coordinator.Refresh(root); err != nil {
					n.Logger.Warn("refreshing state", zap.Error(err))
					return
				}
				fmt.Printf("Refreshed %s\n", root.Short())
			}, n.Logger)
			if err != nil {
				return fmt.Errorf("starting watcher: %w", err)
			}
			defer w.Close()

			fmt.Println("Watching for operations; press Ctrl-C to stop")
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}

	// Add flags
	openPatchCmd.Flags().StringP("title", "t", "", "Patch title")
	openPatchCmd.Flags().StringP("description", "d", "", "Patch description")
	openPatchCmd.Flags().String("base", "", "Target branch tip commit")
	openPatchCmd.Flags().String("head", "", "Proposed head commit")
	openPatchCmd.MarkFlagRequired("title")

	editPatchCmd.Flags().StringP("title", "t", "", "New title")
	editPatchCmd.Flags().StringP("description", "d", "", "New description")

	commentPatchCmd.Flags().StringP("message", "m", "", "Comment body")
	commentPatchCmd.Flags().String("reply-to", "", "Operation hash being replied to")
	commentPatchCmd.MarkFlagRequired("message")

	revisePatchCmd.Flags().String("head", "", "New head commit")
	revisePatchCmd.MarkFlagRequired("head")

	syncCmd.Flags().StringSlice("peer", nil, "Peer repository path (repeatable)")

	diffCmd.Flags().IntP("context", "c", 3, "Context lines around each change")

	// Add commands to root
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(patchCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(watchCmd)

	// Add patch subcommands
	patchCmd.AddCommand(openPatchCmd)
	patchCmd.AddCommand(listPatchesCmd)
	patchCmd.AddCommand(showPatchCmd)
	patchCmd.AddCommand(editPatchCmd)
	patchCmd.AddCommand(commentPatchCmd)
	patchCmd.AddCommand(revisePatchCmd)
	patchCmd.AddCommand(mergePatchCmd)
	patchCmd.AddCommand(archivePatchCmd)
	patchCmd.AddCommand(reopenPatchCmd)

	indexCmd.AddCommand(rebuildIndexCmd)
	storeCmd.AddCommand(compressStoreCmd)
}

// statusCommand builds the merge/archive/reopen commands, which differ
// only in the transition they append.
func statusCommand(use, short string, fn func(*node.Node, object.Hash) (*cob.Patch, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [patch]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := initNode()
			if err != nil {
				return err
			}
			defer n.Close()

			root, err := resolvePatch(n, args[0])
			if err != nil {
				return err
			}

			p, err := fn(n, root)
			if err != nil {
				return fmt.Errorf("%sing patch: %w", strings.TrimSuffix(use, "e"), err)
			}
			fmt.Printf("Patch %s is now %s\n", p.ID.Short(), statusColor(string(p.Status)))
			return nil
		},
	}
}

func initNode() (*node.Node, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting current directory: %w", err)
	}

	n, err := node.New(cwd, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing node: %w", err)
	}
	return n, nil
}

// resolvePatch expands an abbreviated patch hash against the index.
func resolvePatch(n *node.Node, ref string) (object.Hash, error) {
	if object.Hash(ref).Valid() {
		return object.Hash(ref), nil
	}

	indices, err := n.Index.List()
	if err != nil {
		return object.ZeroHash, err
	}

	var matches []string
	for _, idx := range indices {
		if strings.HasPrefix(idx.ID, ref) {
			matches = append(matches, idx.ID)
		}
	}
	switch len(matches) {
	case 0:
		return object.ZeroHash, fmt.Errorf("no patch matches %q", ref)
	case 1:
		return object.Hash(matches[0]), nil
	default:
		return object.ZeroHash, fmt.Errorf("%q is ambiguous (%d matches)", ref, len(matches))
	}
}

func statusColor(status string) string {
	switch status {
	case "proposed":
		return color.BlueString(status)
	case "updated":
		return color.YellowString(status)
	case "merged":
		return color.GreenString(status)
	case "archived":
		return color.RedString(status)
	default:
		return status
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
