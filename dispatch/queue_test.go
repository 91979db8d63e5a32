// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"sync"
	"testing"
)

func TestQueueIsFIFO(t *testing.T) {
	var queue Queue
	const count = 100
	for i := range uint64(count) {
		task, _ := NewTask(i, Command{})
		queue.Enqueue(task)
	}
	if queue.Len() != count {
		t.Fatalf("Len = %d, want %d", queue.Len(), count)
	}
	for want := range uint64(count) {
		task, ok := queue.Dequeue()
		if !ok {
			t.Fatalf("queue empty after %d tasks", want)
		}
		if task.ID != want {
			t.Fatalf("dequeued task %d, want %d", task.ID, want)
		}
	}
	if _, ok := queue.Dequeue(); ok {
		t.Error("Dequeue on empty queue reported a task")
	}
}

func TestQueueConcurrentProducerConsumer(t *testing.T) {
	var queue Queue
	const count = 1000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range uint64(count) {
			task, _ := NewTask(i, Command{})
			queue.Enqueue(task)
		}
	}()

	next := uint64(0)
	for next < count {
		task, ok := queue.Dequeue()
		if !ok {
			continue
		}
		if task.ID != next {
			t.Fatalf("dequeued task %d, want %d", task.ID, next)
		}
		next++
	}
	wg.Wait()
}

func TestQueueCancelAll(t *testing.T) {
	var queue Queue
	var tasks []*Task
	results := make([]interface{ Ready() bool }, 0)
	for i := range uint64(5) {
		task, result := NewTask(i, Command{})
		queue.Enqueue(task)
		tasks = append(tasks, task)
		results = append(results, result)
	}

	// One task already resolved elsewhere keeps its result.
	tasks[2].Resolve(Result{Completed: true, ReturnCode: 7})

	if cancelled := queue.CancelAll(); cancelled != 4 {
		t.Errorf("CancelAll = %d, want 4", cancelled)
	}
	if queue.Len() != 0 {
		t.Errorf("Len after CancelAll = %d", queue.Len())
	}
	for i, result := range results {
		if !result.Ready() {
			t.Errorf("task %d not resolved", i)
		}
	}
}

func TestTaskResolvesOnce(t *testing.T) {
	task, result := NewTask(1, Command{})
	if !task.Resolve(Result{Completed: true, ReturnCode: 3}) {
		t.Fatal("first Resolve lost")
	}
	if task.Cancel() {
		t.Error("Cancel after Resolve won")
	}
	if got := result.Wait(); !got.Completed || got.ReturnCode != 3 {
		t.Errorf("result = %+v", got)
	}
	if cancelled := CancelledResult(); cancelled.Completed || cancelled.ReturnCode != 0 {
		t.Errorf("CancelledResult = %+v", cancelled)
	}
}
