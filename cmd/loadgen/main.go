package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/tetris-versus/match-server/internal/domain"
	"github.com/tetris-versus/match-server/internal/rating"
)

var playerPrefixes = []string{
	"Phoenix", "Shadow", "Thunder", "Storm", "Blaze", "Ninja", "Dragon", "Wolf", "Hawk", "Viper",
	"Ghost", "Titan", "Frost", "Cyber", "Nova", "Raven", "Omega", "Alpha", "Delta", "Sigma",
}

func getPlayerName(idx int) string {
	prefixIdx := idx % len(playerPrefixes)
	suffix := idx/len(playerPrefixes) + 1
	return fmt.Sprintf("%s%d", playerPrefixes[prefixIdx], suffix)
}

func main() {
	// Command line flags
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "game-settlements", "Kafka topic")
	variantID := flag.Int("variant", 1, "Game variant ID")
	totalPlayers := flag.Int("players", 200, "Size of the simulated player pool")
	gamesPerSecond := flag.Int("rate", 50, "Settled games per second")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	flag.Parse()

	brokerList := strings.Split(*brokers, ",")

	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("  Settlement Feed Load Generator")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  Brokers:       %s\n", *brokers)
	fmt.Printf("  Topic:         %s\n", *topic)
	fmt.Printf("  Variant:       %d\n", *variantID)
	fmt.Printf("  Player pool:   %d\n", *totalPlayers)
	fmt.Printf("  Games/sec:     %d\n", *gamesPerSecond)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	// Configure Sarama producer
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	// Create producer
	producer, err := sarama.NewAsyncProducer(brokerList, config)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}
	defer producer.Close()

	// Handle producer errors and successes
	var successCount, errorCount int64
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for range producer.Successes() {
			atomic.AddInt64(&successCount, 1)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for err := range producer.Errors() {
			atomic.AddInt64(&errorCount, 1)
			log.Printf("Producer error: %v", err)
		}
	}()

	// Handle shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})

	// Track simulated ratings so the feed stays internally consistent
	ratings := make([]int, *totalPlayers)
	for i := range ratings {
		ratings[i] = domain.DefaultRating
	}

	sendSettlement := func() {
		// Pick two distinct players
		a := rand.Intn(*totalPlayers)
		b := rand.Intn(*totalPlayers - 1)
		if b >= a {
			b++
		}

		// Higher rating wins 70% of the time, to create movement
		winner, loser := a, b
		if ratings[a] < ratings[b] {
			winner, loser = b, a
		}
		if rand.Intn(100) >= 70 {
			winner, loser = loser, winner
		}

		winnerNew, loserNew := rating.RateDefault(ratings[winner], ratings[loser])
		ratings[winner] = winnerNew
		ratings[loser] = loserNew

		ev := domain.SettlementEvent{
			GameID:       uuid.New().String(),
			VariantID:    *variantID,
			WinnerID:     getPlayerName(winner),
			LoserID:      getPlayerName(loser),
			WinnerRating: winnerNew,
			LoserRating:  loserNew,
			EndedAt:      time.Now(),
		}

		data, err := json.Marshal(ev)
		if err != nil {
			log.Printf("Failed to marshal event: %v", err)
			return
		}

		msg := &sarama.ProducerMessage{
			Topic: *topic,
			Key:   sarama.StringEncoder(ev.GameID),
			Value: sarama.ByteEncoder(data),
		}

		select {
		case producer.Input() <- msg:
		case <-done:
		}
	}

	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	interval := time.Second / time.Duration(*gamesPerSecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	var endTime time.Time
	if *duration > 0 {
		endTime = time.Now().Add(*duration)
	}

	var gameCount int64

	shutdown := func() {
		close(done)
		producer.AsyncClose()
		wg.Wait()
		fmt.Printf("\nCompleted. Games: %d, Sent: %d, Errors: %d\n",
			atomic.LoadInt64(&gameCount),
			atomic.LoadInt64(&successCount),
			atomic.LoadInt64(&errorCount),
		)
	}

	for {
		select {
		case <-sigChan:
			fmt.Println("\n\nShutting down...")
			shutdown()
			return

		case <-ticker.C:
			if *duration > 0 && time.Now().After(endTime) {
				fmt.Println("\n\nDuration reached, shutting down...")
				shutdown()
				return
			}

			sendSettlement()
			atomic.AddInt64(&gameCount, 1)

		case <-statsTicker.C:
			fmt.Printf("[%s] Games: %d | Sent: %d | Errors: %d\n",
				time.Now().Format("15:04:05"),
				atomic.LoadInt64(&gameCount),
				atomic.LoadInt64(&successCount),
				atomic.LoadInt64(&errorCount),
			)
		}
	}
}
