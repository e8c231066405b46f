// Command admintoken prints a bearer token for the admin API, signed with
// JWT_SECRET.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/Mond1c/zenclass-bridge/internal/middleware"
	"github.com/joho/godotenv"
)

func main() {
	subject := flag.String("sub", "admin", "token subject")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	godotenv.Load()

	token, err := middleware.NewAdminToken(os.Getenv("JWT_SECRET"), *subject, *ttl)
	if err != nil {
		log.Fatal("Failed to sign token: ", err)
	}
	fmt.Println(token)
}
