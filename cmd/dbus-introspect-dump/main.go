// Command dbus-introspect-dump is a tiny, non-core example consumer of
// the dbus package: it connects to a bus, resolves one service/object,
// and prints its properties (and, if the object implements
// org.freedesktop.DBus.ObjectManager, its managed objects) to stdout.
//
// It is explicitly not the introspection XML compiler spec.md §6
// describes as an out-of-scope collaborator; it exists only to exercise
// Object.GetAllProperties and Object.GetManagedObjects end to end
// against a real bus.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	dbus "github.com/lib-cpp/dbus-cpp-sub000"
)

func main() {
	var (
		busFlag   = flag.String("bus", "session", "bus to dial: session, system, or starter")
		service   = flag.String("service", "", "well-known or unique bus name to inspect (required)")
		path      = flag.String("path", "/", "object path to inspect")
		iface     = flag.String("interface", "", "interface whose properties to dump (optional)")
		managed   = flag.Bool("managed", false, "also call GetManagedObjects on the object")
		timeout   = flag.Duration("timeout", 10*time.Second, "per-call timeout")
	)
	flag.Parse()

	if *service == "" {
		fmt.Fprintln(os.Stderr, "dbus-introspect-dump: -service is required")
		os.Exit(2)
	}

	if err := run(*busFlag, *service, dbus.ObjectPath(*path), *iface, *managed, *timeout); err != nil {
		fmt.Fprintln(os.Stderr, "dbus-introspect-dump:", err)
		os.Exit(1)
	}
}

func run(busKind, service string, path dbus.ObjectPath, iface string, managed bool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, err := dialBus(ctx, busKind)
	if err != nil {
		return fmt.Errorf("connecting to %s bus: %w", busKind, err)
	}
	defer conn.Stop()
	go conn.Run()

	if _, err := conn.Hello(ctx); err != nil {
		return fmt.Errorf("Hello: %w", err)
	}

	svc, err := dbus.UseServiceOrThrow(ctx, conn, service)
	if err != nil {
		return fmt.Errorf("resolving service %q: %w", service, err)
	}
	obj := svc.Object(path)

	if iface != "" {
		props, err := dbus.GetAllProperties(ctx, obj, iface)
		if err != nil {
			return fmt.Errorf("GetAllProperties(%s): %w", iface, err)
		}
		fmt.Printf("properties of %s %s:\n", service, path)
		for name, dv := range props {
			fmt.Printf("  %s (%s)\n", name, dv.Sig)
		}
	}

	if managed {
		objects, err := dbus.GetManagedObjects(ctx, obj)
		if err != nil {
			return fmt.Errorf("GetManagedObjects: %w", err)
		}
		fmt.Printf("managed objects under %s %s:\n", service, path)
		for childPath, ifaces := range objects {
			fmt.Printf("  %s\n", childPath)
			for ifaceName, props := range ifaces {
				fmt.Printf("    %s (%d properties)\n", ifaceName, len(props))
			}
		}
	}

	return nil
}

func dialBus(ctx context.Context, kind string) (*dbus.Connection, error) {
	switch kind {
	case "session":
		return dbus.SessionBus(ctx)
	case "system":
		return dbus.SystemBus(ctx)
	case "starter":
		return dbus.StarterBus(ctx)
	default:
		return dbus.Connect(ctx, kind)
	}
}
