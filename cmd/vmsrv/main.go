package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "vmsrv.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	// .env may carry VMSRV_ADDR / VMSRV_CONFIG for deployments that
	// cannot edit the yaml
	godotenv.Load()
	if v := os.Getenv("VMSRV_CONFIG"); v != "" {
		ConfigFileName = v
	}
	k.Load(structs.Provider(Config{
		Addr:       ":8000",
		Supplies:   []string{},
		MaxCurrent: 5.05,
		MaxVoltage: 30,
		RampSteps:  5,
		LogLevel:   "info"}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
	if v := os.Getenv("VMSRV_ADDR"); v != "" {
		k.Load(structs.Provider(struct {
			Addr string `yaml:"Addr"`
		}{Addr: v}, "koanf"), nil)
	}
}

func root() {
	str := `vmsrv drives the vector magnet's power supplies and exposes them over HTTP.
This enables a server-client architecture, and the clients can leverage the
excellent HTTP libraries for any programming language.

Usage:
	vmsrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `vmsrv is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

Without a configuration the server runs a simulated backend, which stores
setpoints and reports them back without talking to any hardware.

Supplies lists one address per channel, in channel order: host:port for
ethernet units, or serial:<device>[:<baud>] for RS-232 (e.g.
serial:/dev/ttyUSB0:115200).  With Mock: true the supplies are ignored and
the simulated backend is used.

The magnet routes are served under /magnet, e.g. GET /magnet/currents or
POST /magnet/field/enable.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("vmsrv version %v\n", Version)
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	switch strings.ToLower(args[1]) {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "run":
		run()
	case "version":
		pversion()
	default:
		log.Fatal("unknown command")
	}
}
