package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	gocontext "context"

	"github.com/sirupsen/logrus"
	"gopkg.in/urfave/cli.v1"

	"github.com/smartdc/cloudapi"
	cloudapicontext "github.com/smartdc/cloudapi/context"
)

func main() {
	app := cli.NewApp()
	app.Name = "sdc"
	app.Usage = "poke at a SmartDataCenter-style cloud API"
	app.Version = cloudapi.VersionString
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "location, l",
			Usage:  "datacenter short name or FQDN",
			EnvVar: "SDC_LOCATION",
		},
		cli.StringFlag{
			Name:   "key-id, k",
			Usage:  "account key id, \"/<account>/keys/<name>\"",
			EnvVar: "SDC_KEY_ID",
		},
		cli.StringFlag{
			Name:   "key-path",
			Usage:  "path to the matching private key",
			EnvVar: "SDC_KEY_PATH",
		},
		cli.BoolFlag{
			Name:   "agent",
			Usage:  "sign via the SSH agent instead of reading a key file",
			EnvVar: "SDC_AGENT",
		},
		cli.StringFlag{
			Name:   "login",
			Usage:  "account path, defaults to \"my\"",
			EnvVar: "SDC_LOGIN",
		},
		cli.BoolFlag{
			Name:   "insecure",
			Usage:  "skip TLS certificate verification",
			EnvVar: "SDC_INSECURE",
		},
		cli.BoolFlag{
			Name:   "debug",
			Usage:  "echo requests and responses",
			EnvVar: "SDC_DEBUG",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "datacenters",
			Usage:  "list datacenters this cloud is aware of",
			Action: runDatacenters,
		},
		{
			Name:   "packages",
			Usage:  "list packages",
			Action: runPackages,
		},
		{
			Name:   "datasets",
			Usage:  "list datasets",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "search", Usage: "local regex filter over description and urn"},
			},
			Action: runDatasets,
		},
		{
			Name:  "machines",
			Usage: "list machines",
			Flags: []cli.Flag{
				cli.StringSliceFlag{Name: "tag", Usage: "key=value tag filter, repeatable"},
			},
			Action: runMachines,
		},
		{
			Name:  "create",
			Usage: "provision a machine and wait for it to run",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "name"},
				cli.StringFlag{Name: "dataset"},
				cli.StringFlag{Name: "package"},
				cli.DurationFlag{Name: "poll-interval", Value: cloudapi.DefaultPollInterval},
				cli.DurationFlag{Name: "timeout", Value: 10 * time.Minute},
			},
			Action: runCreate,
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithField("err", err).Fatal("command failed")
	}
}

func rootContext() gocontext.Context {
	return cloudapicontext.FromComponent(gocontext.Background(), "cli")
}

func datacenterFromFlags(c *cli.Context) (*cloudapi.DataCenter, error) {
	if c.GlobalBool("debug") {
		logrus.SetLevel(logrus.DebugLevel)
	}

	return cloudapi.NewDataCenter(&cloudapi.Config{
		Location: c.GlobalString("location"),
		KeyID:    c.GlobalString("key-id"),
		KeyPath:  c.GlobalString("key-path"),
		UseAgent: c.GlobalBool("agent"),
		Login:    c.GlobalString("login"),
		Insecure: c.GlobalBool("insecure"),
		Verbose:  c.GlobalBool("debug"),
	})
}

func runDatacenters(c *cli.Context) error {
	dc, err := datacenterFromFlags(c)
	if err != nil {
		return err
	}

	table, err := dc.Datacenters(rootContext())
	if err != nil {
		return err
	}
	for name, endpoint := range table {
		fmt.Printf("%s\t%s\n", name, endpoint)
	}
	return nil
}

func runPackages(c *cli.Context) error {
	dc, err := datacenterFromFlags(c)
	if err != nil {
		return err
	}

	packages, err := dc.Packages(rootContext(), nil)
	if err != nil {
		return err
	}
	for _, p := range packages {
		fmt.Printf("%s\t%dMiB ram\t%dMiB disk\n", p.Name(), p.Memory(), p.Disk())
	}
	return nil
}

func runDatasets(c *cli.Context) error {
	dc, err := datacenterFromFlags(c)
	if err != nil {
		return err
	}

	datasets, err := dc.Datasets(rootContext(), c.String("search"))
	if err != nil {
		return err
	}
	for _, ds := range datasets {
		fmt.Printf("%s\t%s\n", ds.CanonicalID(), ds.StringField("description"))
	}
	return nil
}

func runMachines(c *cli.Context) error {
	dc, err := datacenterFromFlags(c)
	if err != nil {
		return err
	}

	tags := map[string]string{}
	for _, raw := range c.StringSlice("tag") {
		pair := strings.SplitN(raw, "=", 2)
		if len(pair) != 2 {
			return fmt.Errorf("malformed tag filter %q, expected key=value", raw)
		}
		tags[pair[0]] = pair[1]
	}

	machines, err := dc.Machines(rootContext(), &cloudapi.MachinesOpts{Tags: tags})
	if err != nil {
		return err
	}
	for _, m := range machines {
		fmt.Printf("%s\t%s\t%s\n", m.CanonicalID(), m.Name(), m.State())
	}
	return nil
}

func runCreate(c *cli.Context) error {
	dc, err := datacenterFromFlags(c)
	if err != nil {
		return err
	}

	ctx, cancel := gocontext.WithTimeout(rootContext(), c.Duration("timeout"))
	defer cancel()

	opts := &cloudapi.CreateMachineOpts{Name: c.String("name")}
	if ds := c.String("dataset"); ds != "" {
		opts.Dataset = ds
	}
	if pkg := c.String("package"); pkg != "" {
		opts.Package = pkg
	}

	machine, err := dc.CreateMachine(ctx, opts)
	if err != nil {
		return err
	}
	fmt.Printf("created %s (%s)\n", machine.CanonicalID(), machine.State())

	machine, err = cloudapi.PollUntil(ctx, machine, "running", c.Duration("poll-interval"))
	if err != nil {
		return err
	}
	fmt.Printf("%s is %s at %v\n", machine.CanonicalID(), machine.State(), machine.IPs())
	return nil
}
