//go:build mage

package main

import (
	"fmt"
	"os"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	serverBinary  = "bin/chat-server"
	chatctlBinary = "bin/chatctl"
	serverMain    = "./cmd/server"
	chatctlMain   = "./cmd/chatctl"
)

// Build はサーバーとCLIをビルドする
func Build() error {
	mg.Deps(Generate)
	fmt.Println("Building server and chatctl...")
	if err := sh.RunV("go", "build", "-o", serverBinary, serverMain); err != nil {
		return err
	}
	return sh.RunV("go", "build", "-o", chatctlBinary, chatctlMain)
}

// Generate はgomockのモックを再生成する
func Generate() error {
	fmt.Println("Generating mocks...")
	return sh.RunV("go", "generate", "./internal/storage/...")
}

// Test はユニットテストを実行する
// Postgres と Redis のテストは TEST_DATABASE_URL / REDIS_ADDR が無ければスキップされる
func Test() error {
	return sh.RunV("go", "test", "-race", "./...")
}

// Vet は go vet を実行する
func Vet() error {
	return sh.RunV("go", "vet", "./...")
}

// Run はメモリストレージでサーバーを起動する
func Run() error {
	mg.Deps(Build)
	return sh.RunWithV(map[string]string{"STORAGE_TYPE": "memory", "LOG_LEVEL": "DEBUG"}, serverBinary)
}

// Clean はビルド成果物を削除する
func Clean() error {
	fmt.Println("Cleaning up...")
	return os.RemoveAll("bin")
}
