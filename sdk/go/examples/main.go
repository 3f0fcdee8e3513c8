package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"EmuHub/sdk/go/emuhub"
)

func main() {
	addr := os.Getenv("EMUHUB_URL")
	if addr == "" {
		addr = "http://127.0.0.1:8888"
	}
	client, err := emuhub.NewClient(addr, os.Getenv("EMUHUB_KEY"), nil)
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	plugins, err := client.ListPlugins(ctx)
	if err != nil {
		panic(err)
	}
	for _, p := range plugins {
		fmt.Printf("plugin %-12s %s\n", p.Name, p.State)
	}

	abilities, err := client.ListAbilities(ctx, "")
	if err != nil {
		panic(err)
	}
	if len(abilities) == 0 {
		fmt.Println("no abilities loaded")
		return
	}

	ab := abilities[0]
	hooks, err := client.Hooks(ctx, ab.ID)
	if err != nil {
		panic(err)
	}
	for _, h := range hooks {
		fmt.Printf("%s/%s hooks=%v\n", h.Executor, h.Platform, h.Hooks)
	}

	link, err := client.Queue(ctx, ab.ID, emuhub.Selector{})
	if err != nil {
		panic(err)
	}
	fmt.Printf("queued link %s: %s (payloads=%v)\n", link.ID, link.Command, link.Payloads)
}
