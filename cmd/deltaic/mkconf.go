package main

import (
	"fmt"
	"os"
	"os/user"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
)

// mkconfTemplates holds the crontab and sudoers fragments `mkconf`
// renders, parameterized by the invoking user and the deltaic binary's
// own absolute path the same way the original's template.py did.
var mkconfTemplates = map[string]*template.Template{
	"crontab": template.Must(template.New("crontab").Parse(strings.TrimSpace(`
MAILTO = {{.Email}}

0 23 * * * {{.Prog}} prune
55 23 * * * {{.Prog}} df -c
0 0 * * * {{.Prog}} run >/dev/null && echo "OK"
`))),
	"sudoers": template.Must(template.New("sudoers").Parse(strings.TrimSpace(`
# Allow Deltaic to query, create, delete, mount, and unmount snapshot volumes
{{.User}} ALL=NOPASSWD: /sbin/lvs, /sbin/lvcreate, /sbin/lvremove, /sbin/lvchange, /bin/mount, /bin/umount
# Allow running sudo from cron
Defaults:{{.User}} !requiretty
`))),
}

type mkconfData struct {
	User  string
	Prog  string
	Email string
}

func newMkconfCmd(a *app) *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:       "mkconf {crontab|sudoers}",
		Short:     "Generate a crontab or sudoers configuration fragment",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"crontab", "sudoers"},
		RunE: func(cmd *cobra.Command, args []string) error {
			tmpl, ok := mkconfTemplates[args[0]]
			if !ok {
				return fmt.Errorf("mkconf: unknown template %q (want crontab or sudoers)", args[0])
			}

			u, err := user.Current()
			if err != nil {
				return fmt.Errorf("mkconf: resolving current user: %w", err)
			}
			prog, err := os.Executable()
			if err != nil {
				return fmt.Errorf("mkconf: resolving own executable path: %w", err)
			}

			data := mkconfData{User: u.Username, Prog: prog, Email: email}
			return tmpl.Execute(os.Stdout, data)
		},
	}

	cmd.Flags().StringVar(&email, "email", "root", "email address to send status reports")
	return cmd
}
