// Package fabricator runs post-boot provisioning steps over an
// established SSH connection to the guest: shell commands, Ansible
// playbooks, hostname/root-password/mirrorlist edits.
package fabricator

import (
	"context"
	"fmt"
	"strings"

	"github.com/goldboot/goldboot/sshboot"
	"github.com/goldboot/goldboot/types"
)

// Run dispatches one types.FabricatorSpec against client, selecting the
// implementation by spec.Type. This is the single entry point
// qemudriver.Worker calls for every fabricator in an element's recipe.
func Run(ctx context.Context, client *sshboot.Client, spec types.FabricatorSpec) error {
	switch spec.Type {
	case "shell":
		if spec.Shell == nil {
			return fmt.Errorf("fabricator: shell spec missing its Shell field")
		}
		return runShell(ctx, client, spec.Shell)
	case "ansible":
		if spec.Ansible == nil {
			return fmt.Errorf("fabricator: ansible spec missing its Ansible field")
		}
		return runAnsible(ctx, client, spec.Ansible)
	case "hostname":
		if spec.Hostname == nil {
			return fmt.Errorf("fabricator: hostname spec missing its Hostname field")
		}
		return runHostname(ctx, client, spec.Hostname)
	case "root_password":
		if spec.RootPassword == nil {
			return fmt.Errorf("fabricator: root_password spec missing its RootPassword field")
		}
		return runRootPassword(ctx, client, spec.RootPassword)
	case "mirrorlist":
		if spec.Mirrorlist == nil {
			return fmt.Errorf("fabricator: mirrorlist spec missing its Mirrorlist field")
		}
		return runMirrorlist(ctx, client, spec.Mirrorlist)
	default:
		return fmt.Errorf("fabricator: unknown type %q", spec.Type)
	}
}

func runShell(ctx context.Context, client *sshboot.Client, s *types.ShellFabricator) error {
	for _, command := range s.Commands {
		out, err := client.Exec(ctx, command, s.Env)
		if err != nil {
			return fmt.Errorf("command %q: %w (output: %s)", command, err, strings.TrimSpace(string(out)))
		}
	}
	return nil
}

func runAnsible(ctx context.Context, client *sshboot.Client, a *types.AnsibleFabricator) error {
	args := []string{"ansible-playbook", shellQuoteArg(a.PlaybookPath)}
	for _, v := range a.ExtraVars {
		args = append(args, "-e", shellQuoteArg(v))
	}
	out, err := client.Exec(ctx, strings.Join(args, " "), nil)
	if err != nil {
		return fmt.Errorf("ansible-playbook %s: %w (output: %s)", a.PlaybookPath, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func runHostname(ctx context.Context, client *sshboot.Client, h *types.HostnameFabricator) error {
	cmd := fmt.Sprintf("hostnamectl set-hostname %s", shellQuoteArg(h.Hostname))
	if out, err := client.Exec(ctx, cmd, nil); err != nil {
		return fmt.Errorf("setting hostname: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func runRootPassword(ctx context.Context, client *sshboot.Client, p *types.RootPasswordFabricator) error {
	// usermod -p takes an already-hashed password; the hash never touches
	// the shell's argv in plaintext since it's pre-hashed by the recipe.
	cmd := fmt.Sprintf("usermod -p %s root", shellQuoteArg(p.PasswordHash))
	if out, err := client.Exec(ctx, cmd, nil); err != nil {
		return fmt.Errorf("setting root password: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func runMirrorlist(ctx context.Context, client *sshboot.Client, m *types.MirrorlistFabricator) error {
	data := strings.Join(m.Mirrors, "\n") + "\n"
	if err := client.Upload(ctx, "/etc/pacman.d/mirrorlist", []byte(data)); err != nil {
		return fmt.Errorf("uploading mirrorlist: %w", err)
	}
	return nil
}

// shellQuoteArg wraps s in single quotes, escaping any embedded single
// quote, so values from the recipe can't break out of the command line
// sshboot.Client.Exec hands to the guest's shell.
func shellQuoteArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
